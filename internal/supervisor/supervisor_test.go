package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tempandmajor/commonly-sub010/internal/logging"
)

type mockHTTPServer struct {
	listenErr     error
	started       chan struct{}
	stop          chan struct{}
	shutdownCount atomic.Int32
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	if m.shutdownCount.Add(1) == 1 {
		close(m.stop)
	}
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := newMockHTTPServer()
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-srv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("server never started")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if got := srv.shutdownCount.Load(); got != 1 {
		t.Errorf("Expected 1 shutdown, got %d", got)
	}
}

func TestHTTPServiceStartFailure(t *testing.T) {
	srv := newMockHTTPServer()
	srv.listenErr = errors.New("address in use")

	err := NewHTTPService(srv, time.Second).Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Errorf("Expected wrapped listen error, got %v", err)
	}
}

type countingService struct {
	runs atomic.Int32
}

func (c *countingService) Serve(ctx context.Context) error {
	c.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return "counting" }

type flakyService struct {
	runs atomic.Int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	if f.runs.Add(1) == 1 {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyService) String() string { return "flaky" }

func TestTreeRestartsFailedWorker(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})
	worker := &countingService{}
	flaky := &flakyService{}
	tree.AddWorker(worker)
	tree.AddWorker(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for flaky.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := flaky.runs.Load(); got < 2 {
		t.Fatalf("Expected flaky service to be restarted, got %d runs", got)
	}
	if got := worker.runs.Load(); got != 1 {
		t.Errorf("Expected healthy worker to run once, got %d", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

var _ suture.Service = (*HTTPService)(nil)
