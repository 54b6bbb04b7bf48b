package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// Handler cancels a context on SIGINT/SIGTERM and runs registered cleanup
// functions in reverse registration order.
type Handler struct {
	shutdownFuncs []func() error
	mu            sync.Mutex
	once          sync.Once
	done          chan struct{}
	logger        *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		done:   make(chan struct{}),
		logger: log.WithComponent("shutdown"),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown.
// Close functions of stores and clients go here.
func (h *Handler) RegisterShutdownFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, fn)
}

// Context returns a child of parent that is cancelled on the first
// SIGINT/SIGTERM. The returned stop function releases the signal handler.
func (h *Handler) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// Shutdown executes all registered shutdown functions once, newest first.
// Failures are logged and joined.
func (h *Handler) Shutdown() error {
	var errs []error
	h.once.Do(func() {
		h.mu.Lock()
		funcs := append([]func() error(nil), h.shutdownFuncs...)
		h.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](); err != nil {
				h.logger.Errorw("Error during shutdown", "error", err)
				errs = append(errs, err)
			}
		}
		close(h.done)
	})
	return errors.Join(errs...)
}

// Done returns a channel that's closed when shutdown is complete.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ShutdownWithTimeout runs Shutdown but gives up waiting after timeout.
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	result := make(chan error, 1)
	go func() { result <- h.Shutdown() }()

	select {
	case err := <-result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
