package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceid/internal/embedding"
)

// MockCloser lets an in-memory buffer stand in for an OS pipe.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func okPayload(dim int, boxes ...[4]int32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	for i, box := range boxes {
		binary.Write(payload, binary.BigEndian, box)
		vec := make([]float32, dim)
		vec[0] = float32(i) + 0.5
		binary.Write(payload, binary.BigEndian, vec)
		binary.Write(payload, binary.BigEndian, float32(0.9))
	}
	return payload.Bytes()
}

func frame(payload []byte) *MockCloser {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
	return pipe
}

func TestEngineAnalyze(t *testing.T) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	e := &Engine{
		ID:        1,
		Stdin:     stdin,
		DataPipe:  frame(okPayload(512, [4]int32{10, 10, 20, 20}, [4]int32{30, 5, 60, 40})),
		Dimension: 512,
	}

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := e.Analyze(input)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	sent := stdin.Bytes()
	if len(sent) != 4+len(input) {
		t.Fatalf("sent %d bytes, want %d", len(sent), 4+len(input))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(input)) {
		t.Fatalf("bad length header %x", sent[:4])
	}

	if len(faces) != 2 {
		t.Fatalf("got %d faces, want 2", len(faces))
	}
	if faces[0].BBox != image.Rect(10, 10, 20, 20) || faces[1].BBox != image.Rect(30, 5, 60, 40) {
		t.Fatalf("unexpected boxes %v %v", faces[0].BBox, faces[1].BBox)
	}
	if faces[0].Embedding[0] != 0.5 || faces[1].Embedding[0] != 1.5 {
		t.Fatal("faces out of order")
	}
	if len(faces[0].Embedding) != 512 || faces[0].Score != 0.9 {
		t.Fatalf("unexpected face %d/%v", len(faces[0].Embedding), faces[0].Score)
	}
}

func TestEngineAnalyzeNoFaces(t *testing.T) {
	e := &Engine{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(okPayload(8)), Dimension: 8}
	faces, err := e.Analyze([]byte("img"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(faces) != 0 {
		t.Fatalf("expected no faces, got %d", len(faces))
	}
}

func TestEngineErrorStatus(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	msg := "ModuleNotFoundError: insightface"
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)

	e := &Engine{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(payload.Bytes()), Dimension: 8}
	_, err := e.Analyze([]byte("img"))
	if !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
	if err.Error() != "embedding engine error: "+msg {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestEngineTruncatedResponse(t *testing.T) {
	full := okPayload(8, [4]int32{0, 0, 1, 1})
	e := &Engine{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(full[:len(full)-6]), Dimension: 8}
	if _, err := e.Analyze([]byte("img")); err == nil || errors.Is(err, ErrEngine) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestEngineClosedPipe(t *testing.T) {
	e := &Engine{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := e.Communicate([]byte("img")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 5}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "world" {
		t.Fatalf("tail = %q", got)
	}
}

type fakeEngine struct {
	id     int
	faces  []embedding.Face
	err    error
	closed bool
}

func (f *fakeEngine) Analyze(jpeg []byte) ([]embedding.Face, error) {
	return f.faces, f.err
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

type fakeStarter struct {
	mu      sync.Mutex
	started []*fakeEngine
	fail    bool
	next    func(id int) *fakeEngine
}

func (s *fakeStarter) start(id int) (analyzer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("spawn failed")
	}
	eng := s.next(id)
	s.started = append(s.started, eng)
	return eng, nil
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func TestPoolDetect(t *testing.T) {
	starter := &fakeStarter{next: func(id int) *fakeEngine {
		return &fakeEngine{id: id, faces: []embedding.Face{{Score: 1}}}
	}}
	pool, err := newPool(2, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	defer pool.Close()

	faces, err := pool.Detect(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("got %d faces", len(faces))
	}
}

func TestPoolKeepsEngineOnEngineError(t *testing.T) {
	starter := &fakeStarter{next: func(id int) *fakeEngine {
		return &fakeEngine{id: id, err: &EngineError{Message: "bad image"}}
	}}
	pool, err := newPool(1, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Detect(context.Background(), testImage()); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}
	if len(starter.started) != 1 || starter.started[0].closed {
		t.Fatal("engine should stay in the pool after a reported error")
	}
}

func TestPoolRestartsBrokenEngine(t *testing.T) {
	starter := &fakeStarter{}
	starter.next = func(id int) *fakeEngine {
		if id == 0 {
			return &fakeEngine{id: id, err: io.ErrUnexpectedEOF}
		}
		return &fakeEngine{id: id, faces: []embedding.Face{{Score: 1}}}
	}
	pool, err := newPool(1, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Detect(context.Background(), testImage()); err == nil {
		t.Fatal("expected error from broken engine")
	}
	if !starter.started[0].closed {
		t.Fatal("broken engine was not closed")
	}
	faces, err := pool.Detect(context.Background(), testImage())
	if err != nil || len(faces) != 1 {
		t.Fatalf("replacement engine not used: %v", err)
	}
}

func TestPoolClosesWhenNoEngineSurvives(t *testing.T) {
	starter := &fakeStarter{next: func(id int) *fakeEngine {
		return &fakeEngine{id: id, err: io.ErrUnexpectedEOF}
	}}
	pool, err := newPool(1, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	starter.fail = true

	pool.Detect(context.Background(), testImage())
	if _, err := pool.Detect(context.Background(), testImage()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolDetectHonoursContext(t *testing.T) {
	starter := &fakeStarter{next: func(id int) *fakeEngine { return &fakeEngine{id: id} }}
	pool, err := newPool(1, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	defer pool.Close()

	busy, _ := pool.acquire(context.Background())
	defer pool.release(busy)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Detect(ctx, testImage()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewPoolRejectsBadSize(t *testing.T) {
	if _, err := newPool(0, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error")
	}
	starter := &fakeStarter{fail: true}
	if _, err := newPool(2, starter.start, zap.NewNop()); err == nil {
		t.Fatal("expected start failure")
	}
}

func TestPoolCloseStopsIdleEngines(t *testing.T) {
	starter := &fakeStarter{next: func(id int) *fakeEngine { return &fakeEngine{id: id} }}
	pool, err := newPool(3, starter.start, zap.NewNop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, eng := range starter.started {
		if !eng.closed {
			t.Fatalf("engine %d left running", eng.id)
		}
	}
}
