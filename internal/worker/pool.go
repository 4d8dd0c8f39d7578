package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/example/faceid/internal/embedding"
	"github.com/example/faceid/internal/imaging"
	"github.com/example/faceid/internal/logging"
)

// ErrPoolClosed is returned once the pool has been closed or has lost every engine.
var ErrPoolClosed = errors.New("worker pool closed")

// analyzer is the part of an Engine the pool depends on.
type analyzer interface {
	Analyze(jpeg []byte) ([]embedding.Face, error)
	Close() error
}

// Pool hands each detection to an idle engine. It implements embedding.Detector.
type Pool struct {
	idle   chan analyzer
	start  func(id int) (analyzer, error)
	logger *zap.Logger

	mu     sync.Mutex
	live   int
	nextID int
	closed bool
	done   chan struct{}
}

// NewPool starts size engines running command.
func NewPool(command []string, size, dimension int, logger *zap.Logger) (*Pool, error) {
	start := func(id int) (analyzer, error) {
		return StartEngine(id, command, dimension)
	}
	return newPool(size, start, logger)
}

func newPool(size int, start func(id int) (analyzer, error), logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker: pool size must be positive, got %d", size)
	}
	p := &Pool{
		idle:   make(chan analyzer, size),
		start:  start,
		logger: logger.Named("worker_pool"),
		done:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		eng, err := start(i)
		if err != nil {
			p.Close()
			return nil, logging.NewOperationError("worker.start_engine", "", err)
		}
		p.idle <- eng
		p.live++
	}
	p.nextID = size
	p.logger.Info("engine pool started", zap.Int("size", size))
	return p, nil
}

// Detect encodes img and runs it through the next idle engine.
func (p *Pool) Detect(ctx context.Context, img image.Image) ([]embedding.Face, error) {
	payload, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, logging.NewOperationError("worker.encode_image", "", err)
	}

	eng, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	faces, err := eng.Analyze(payload)
	if err == nil || errors.Is(err, ErrEngine) {
		// The engine answered, so the stream is still in sync.
		p.release(eng)
		if err != nil {
			return nil, logging.NewOperationError("worker.analyze", "", err)
		}
		return faces, nil
	}

	p.replace(eng, err)
	return nil, logging.NewOperationError("worker.analyze", "", err)
}

func (p *Pool) acquire(ctx context.Context) (analyzer, error) {
	select {
	case eng := <-p.idle:
		return eng, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(eng analyzer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		eng.Close()
		return
	}
	p.idle <- eng
}

// replace discards a broken engine and starts a fresh one in its place.
func (p *Pool) replace(broken analyzer, cause error) {
	p.logger.Warn("engine failed, restarting", zap.Error(cause))
	broken.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	id := p.nextID
	p.nextID++
	eng, err := p.start(id)
	if err != nil {
		p.live--
		p.logger.Error("engine restart failed", zap.Int("engine", id), zap.Int("live", p.live), zap.Error(err))
		if p.live == 0 {
			p.closed = true
			close(p.done)
		}
		return
	}
	p.idle <- eng
}

// Close stops every idle engine. Busy engines are stopped when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	var errs []error
	for {
		select {
		case eng := <-p.idle:
			if err := eng.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}
