// Package worker runs out-of-process embedding engines and speaks their
// length-prefixed binary protocol.
//
// Requests go to the engine's stdin as [u32 len][jpeg]. Responses come back
// on a dedicated pipe (FD 3 in the child) as [u32 len][payload] so that the
// engine's own logging on stdout and stderr cannot corrupt the stream.
package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/example/faceid/internal/embedding"
)

const (
	statusOK    = 0
	statusError = 1

	maxFrameBytes  = 64 << 20
	maxStderrBytes = 16 << 10
)

// ErrEngine matches every error reported by the engine itself.
var ErrEngine = errors.New("embedding engine error")

// EngineError carries the message an engine returned with an error status.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return "embedding engine error: " + e.Message
}

// Is lets errors.Is(err, ErrEngine) match.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}

// Engine is one running engine process.
type Engine struct {
	ID        int
	Stdin     io.WriteCloser
	DataPipe  io.ReadCloser
	Dimension int

	cmd    *exec.Cmd
	stderr *tailBuffer
}

// StartEngine launches command with the response pipe attached as FD 3.
func StartEngine(id int, command []string, dimension int) (*Engine, error) {
	if len(command) == 0 {
		return nil, errors.New("worker: empty engine command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create data pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}
	// Only the child keeps the write end, so a crash surfaces as EOF.
	w.Close()

	return &Engine{
		ID:        id,
		Stdin:     stdin,
		DataPipe:  r,
		Dimension: dimension,
		cmd:       cmd,
		stderr:    stderr,
	}, nil
}

// Communicate sends one frame and reads one frame back.
func (e *Engine) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, e.ioError("write header", err)
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, e.ioError("write body", err)
	}

	var respLen uint32
	if err := binary.Read(e.DataPipe, binary.BigEndian, &respLen); err != nil {
		return nil, e.ioError("read header", err)
	}
	if respLen > maxFrameBytes {
		return nil, fmt.Errorf("engine %d: response of %d bytes exceeds limit", e.ID, respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, body); err != nil {
		return nil, e.ioError("read body", err)
	}
	return body, nil
}

// Analyze sends an encoded image and decodes the faces in the engine's order.
func (e *Engine) Analyze(jpeg []byte) ([]embedding.Face, error) {
	payload, err := e.Communicate(jpeg)
	if err != nil {
		return nil, err
	}
	return decodeFaces(payload, e.Dimension)
}

// Close stops the engine. Closing stdin is the engine's signal to exit.
func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.cmd == nil {
		return nil
	}
	return e.cmd.Wait()
}

func (e *Engine) ioError(step string, err error) error {
	if e.stderr != nil {
		if tail := e.stderr.String(); tail != "" {
			return fmt.Errorf("engine %d %s: %w (stderr: %s)", e.ID, step, err, tail)
		}
	}
	return fmt.Errorf("engine %d %s: %w", e.ID, step, err)
}

func decodeFaces(payload []byte, dimension int) ([]embedding.Face, error) {
	r := bytes.NewReader(payload)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, &EngineError{Message: string(msg)}
	default:
		return nil, fmt.Errorf("unknown status byte %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	perFace := 16 + 4*dimension + 4
	if int64(count)*int64(perFace) > int64(r.Len()) {
		return nil, fmt.Errorf("payload too short for %d faces", count)
	}

	faces := make([]embedding.Face, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		vec := make([]float32, dimension)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		var score float32
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("face %d score: %w", i, err)
		}
		faces = append(faces, embedding.Face{
			Embedding: vec,
			BBox:      image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3])),
			Score:     score,
		})
	}
	return faces, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
