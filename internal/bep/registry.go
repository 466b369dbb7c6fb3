package bep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// RequestFilter selects the requests a handler serves.
type RequestFilter struct {
	Device protocol.DeviceID
	Folder string
	Path   string
}

func (f RequestFilter) normalized() RequestFilter {
	f.Path = norm.NFC.String(f.Path)
	return f
}

// RequestHandlerFunc returns the requested bytes. Returning an error
// wrapping errors.ErrNotFound answers with NoSuchFile, one wrapping
// errors.ErrIntegrity with InvalidFile, anything else with Generic.
type RequestHandlerFunc func(ctx context.Context, req *protocol.Request) ([]byte, error)

// Registry routes incoming block requests to the handler registered for
// the requesting device, folder and path.
type Registry struct {
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[RequestFilter]RequestHandlerFunc
}

// NewRegistry creates a registry. A non-nil limiter caps the rate of
// served bytes across all handlers.
func NewRegistry(limiter *rate.Limiter, logger *slog.Logger) *Registry {
	return &Registry{
		limiter:  limiter,
		logger:   logger,
		handlers: make(map[RequestFilter]RequestHandlerFunc),
	}
}

// Register installs h for f and returns a function removing it. At most
// one handler may be registered per filter.
func (r *Registry) Register(f RequestFilter, h RequestHandlerFunc) (func(), error) {
	f = f.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[f]; exists {
		return nil, fmt.Errorf("%s %s: %w", f.Folder, f.Path, errors.ErrHandlerExists)
	}

	r.handlers[f] = h

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, f)
			r.mu.Unlock()
		})
	}, nil
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}

// HandleRequest implements RequestHandler.
func (r *Registry) HandleRequest(ctx context.Context, from protocol.DeviceID, req *protocol.Request) *protocol.Response {
	f := RequestFilter{Device: from, Folder: req.Folder, Path: req.Name}.normalized()

	r.mu.RLock()
	h, ok := r.handlers[f]
	r.mu.RUnlock()

	resp := &protocol.Response{ID: req.ID}

	if !ok {
		r.logger.Debug("no handler for request",
			slog.String("device", from.Short()),
			slog.String("folder", req.Folder),
			slog.String("path", req.Name),
		)

		resp.Code = protocol.ErrorCodeGeneric

		return resp
	}

	data, err := h(ctx, req)
	if err != nil {
		r.logger.Warn("request handler failed",
			slog.String("device", from.Short()),
			slog.String("path", req.Name),
			slog.Int64("offset", req.Offset),
			slog.String("error", err.Error()),
		)

		switch {
		case errors.Is(err, errors.ErrNotFound):
			resp.Code = protocol.ErrorCodeNoSuchFile
		case errors.Is(err, errors.ErrIntegrity):
			resp.Code = protocol.ErrorCodeInvalidFile
		default:
			resp.Code = protocol.ErrorCodeGeneric
		}

		return resp
	}

	if err := r.wait(ctx, len(data)); err != nil {
		resp.Code = protocol.ErrorCodeGeneric
		return resp
	}

	resp.Data = data

	return resp
}

// wait blocks until n bytes may be sent, in chunks no larger than the
// limiter's burst.
func (r *Registry) wait(ctx context.Context, n int) error {
	if r.limiter == nil {
		return nil
	}

	burst := r.limiter.Burst()
	for n > 0 {
		take := min(n, burst)
		if err := r.limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
