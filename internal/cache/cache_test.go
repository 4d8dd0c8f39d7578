package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceid/internal/logging"
)

type stubCache struct {
	setErrs []error
	getErrs []error
	values  []string
	sets    int
	gets    int
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.sets++
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.gets++
	var value string
	if len(s.values) > 0 {
		value = s.values[0]
		s.values = s.values[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestRetrying(next Cache) *Retrying {
	r := NewRetrying(next, zap.NewNop())
	r.initialBackoff = time.Millisecond
	r.maxBackoff = 2 * time.Millisecond
	return r
}

func TestRetryingSetRetriesTransientErrors(t *testing.T) {
	stub := &stubCache{setErrs: []error{transientRedisError{}}}
	r := newTestRetrying(stub)

	if err := r.Set(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if stub.sets != 2 {
		t.Fatalf("expected 2 attempts, got %d", stub.sets)
	}
}

func TestRetryingReturnsOperationErrorOnPermanentFailure(t *testing.T) {
	stub := &stubCache{setErrs: []error{errors.New("boom")}}
	r := newTestRetrying(stub)

	err := r.Set(context.Background(), "k", "v", time.Minute)
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if stub.sets != 1 {
		t.Fatalf("expected no retry on permanent error, got %d attempts", stub.sets)
	}
}

func TestRetryingGetMissIsNotRetried(t *testing.T) {
	stub := &stubCache{getErrs: []error{redis.Nil}}
	r := newTestRetrying(stub)

	_, err := r.Get(context.Background(), "k")
	if !IsMiss(err) {
		t.Fatalf("expected miss, got %v", err)
	}
	if stub.gets != 1 {
		t.Fatalf("expected a single attempt, got %d", stub.gets)
	}
}

func TestRetryingGetReturnsValueAfterRetry(t *testing.T) {
	stub := &stubCache{getErrs: []error{transientRedisError{}, nil}, values: []string{"", "cached"}}
	r := newTestRetrying(stub)

	got, err := r.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "cached" {
		t.Fatalf("Get = %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) || IsTransient(errors.New("x")) {
		t.Fatal("plain errors are not transient")
	}
	if !IsTransient(context.DeadlineExceeded) || !IsTransient(transientRedisError{}) {
		t.Fatal("timeouts are transient")
	}
}
