// Package flow runs an OAuth2 implicit grant on a web surface. It builds the authorization URL,
// watches the surface's navigation for the redirect URI, cancels that navigation before it is
// followed and extracts the access token from the captured URI.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/implicitauth/traces"
)

const tracerName = "github.com/getlantern/implicitauth/flow"

var (
	// ErrReused is returned by [Controller.GetToken] when the controller has already been used.
	ErrReused = errors.New("flow controller already used")
	// ErrCancelled is reported when a pending flow is cancelled.
	ErrCancelled = errors.New("authentication cancelled")
	// ErrTimedOut is reported when a flow does not complete within [Options.Timeout].
	ErrTimedOut = errors.New("authentication timed out")
)

// SuccessPolicy decides the success flag passed to [Delegate.OnAuthenticated] once a redirect has
// been captured.
type SuccessPolicy int

const (
	// SuccessOnIntercept reports success whenever the redirect was captured, even if the server
	// returned an error in it.
	SuccessOnIntercept SuccessPolicy = iota
	// SuccessOnToken reports success only when the redirect carried an access token and no error.
	SuccessOnToken
)

// Options configure a Controller.
type Options struct {
	// Timeout bounds the whole flow. Zero means no timeout.
	Timeout time.Duration
	Policy  SuccessPolicy
	// Now is used to compute token expiry. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

const (
	outcomeIntercepted = "intercepted"
	outcomeConfigError = "config_error"
	outcomeFailed      = "failed"
)

var completedCounter = sync.OnceValue(func() metric.Int64Counter {
	c, err := otel.Meter(tracerName).Int64Counter(
		"implicitauth.flow.completed",
		metric.WithDescription("Number of completed authentication flows"),
	)
	if err != nil {
		slog.Error("Failed to create flow counter", "error", err)
		return noop.Int64Counter{}
	}
	return c
})

// Controller runs a single authentication flow on a surface. A Controller must not be reused;
// create a new one for each authentication.
type Controller struct {
	id       string
	surface  Surface
	delegate Delegate
	opts     Options
	logger   *slog.Logger

	started atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	release func()
}

// New returns a Controller that drives surface and reports to delegate.
func New(surface Surface, delegate Delegate, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Controller{
		id:       id,
		surface:  surface,
		delegate: delegate,
		opts:     opts,
		logger:   logger.With("flow_id", id),
	}
}

// ID returns the identifier used to correlate the flow's logs and spans.
func (c *Controller) ID() string {
	return c.id
}

// GetToken starts the flow and returns without waiting for it. The outcome is reported to the
// delegate. GetToken returns ErrReused if it has been called before; every other outcome, including
// an invalid request, is reported through [Delegate.OnAuthenticated].
func (c *Controller) GetToken(ctx context.Context, req Request) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrReused
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "implicitauth.GetToken",
		trace.WithAttributes(attribute.String("flow_id", c.id)),
	)
	ctx = traces.WithLogger(ctx, c.logger)

	authURL, err := BuildURL(req)
	if err != nil {
		c.logger.Warn("Invalid authentication request", "error", err)
		traces.RecordError(ctx, err)
		c.finish(ctx, span, outcomeConfigError, false, Result{Error: ErrorSystem, ErrorDescription: err.Error()})
		return nil
	}

	loadCtx, cancel := context.WithCancelCause(ctx)
	stopTimer := context.CancelFunc(func() {})
	if c.opts.Timeout > 0 {
		loadCtx, stopTimer = context.WithTimeoutCause(loadCtx, c.opts.Timeout, ErrTimedOut)
	}

	in := newInterceptor(
		req.RedirectURI,
		Parser{RedirectURI: req.RedirectURI, Now: c.opts.Now},
		notifier{delegate: c.delegate},
		c.logger,
		func(res Result) {
			c.releaseLoad()
			success := c.opts.Policy != SuccessOnToken || res.HasToken()
			if res.Error != "" {
				span.SetAttributes(attribute.String("server_error", res.Error))
			}
			c.finish(ctx, span, outcomeIntercepted, success, res)
		},
		func(err error) {
			c.releaseLoad()
			traces.RecordError(ctx, err)
			c.finish(ctx, span, outcomeFailed, false, Result{Error: ErrorSystem, ErrorDescription: err.Error()})
		},
	)

	// The watch may fire right away when ctx is already done; it then blocks in releaseLoad until
	// release is set.
	c.mu.Lock()
	c.cancel = cancel
	stopWatch := context.AfterFunc(loadCtx, func() {
		in.OnLoadFailed(context.Cause(loadCtx))
	})
	c.release = func() {
		stopWatch()
		stopTimer()
		cancel(nil)
	}
	c.mu.Unlock()

	c.logger.Debug("Starting authentication", "host", hostOf(authURL))
	if err := c.surface.Load(loadCtx, authURL, in); err != nil {
		in.OnLoadFailed(fmt.Errorf("starting load: %w", err))
	}
	return nil
}

// Cancel aborts a pending flow. The delegate receives a failed result carrying ErrCancelled. Cancel
// does nothing before GetToken or after the flow has completed.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

func (c *Controller) releaseLoad() {
	c.mu.Lock()
	release := c.release
	c.release = nil
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

func (c *Controller) finish(ctx context.Context, span trace.Span, outcome string, success bool, res Result) {
	c.logger.Info("Authentication completed", "outcome", outcome, "success", success, "error", res.Error)
	completedCounter().Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("success", success),
	))
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Bool("success", success))
	if !success {
		span.SetStatus(codes.Error, res.ErrorDescription)
	}
	span.End()
	c.delegate.OnAuthenticated(success, res)
}
