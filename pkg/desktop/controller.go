package desktop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/metrics"
)

var (
	// ErrSessionActive is returned when a session is started while another
	// one has not reached Idle
	ErrSessionActive = errors.New("a dialog session is already active")

	// ErrSessionClosed is returned when an action is deferred after the
	// session left Running
	ErrSessionClosed = errors.New("dialog session is closed")

	// ErrAbandoned is returned when the dialog ended without an explicit
	// accept or cancel
	ErrAbandoned = errors.New("dialog session abandoned")
)

// Session is handed to the dialog while it runs
type Session struct {
	id     string
	secure bool
	ctx    context.Context
	queue  *Queue
}

// ID returns the session identifier used in logs
func (s *Session) ID() string { return s.id }

// Secure reports whether the dialog runs in an isolated desktop
func (s *Session) Secure() bool { return s.secure }

// Defer schedules an action for the normal desktop. In a secure session the
// action is queued and runs after the session closes. In a pass-through
// session there is nothing to return to, so it runs immediately while the
// controller is still Running; only secure sessions keep actions out of
// the Running state.
func (s *Session) Defer(name string, run func(ctx context.Context) error) error {
	if run == nil {
		return fmt.Errorf("deferred action %q has no function", name)
	}
	a := Action{Name: name, Run: run}
	if !s.secure {
		if s.queue.isSealed() {
			return ErrSessionClosed
		}
		return runAction(s.ctx, a)
	}
	return s.queue.enqueue(a)
}

// Pending returns the number of queued actions
func (s *Session) Pending() int { return s.queue.Len() }

// DialogFunc collects input inside a session and returns one result value
type DialogFunc[T any] func(ctx context.Context, s *Session) (T, error)

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the controller logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l.WithComponent("desktop")
		}
	}
}

// WithMetrics records session and deferred action metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs dialog sessions one at a time
type Controller struct {
	mu       sync.RWMutex
	state    State
	desktop  Desktop
	log      *logger.Logger
	security *logger.SecurityLogger
	metrics  *metrics.Metrics
}

// NewController creates a controller that isolates secure sessions in d.
// A nil desktop performs no isolation steps.
func NewController(d Desktop, opts ...Option) *Controller {
	if d == nil {
		d = NopDesktop()
	}
	c := &Controller{
		state:   StateIdle,
		desktop: d,
		log:     logger.Global().WithComponent("desktop"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.security = logger.NewSecurityLogger(c.log)
	return c
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := CanTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrSessionActive
	}
	c.state = StateRunning
	return nil
}

type outcome[T any] struct {
	value T
	err   error
}

// Run starts a session and blocks until it is back to Idle. When secure is
// set the dialog runs on a dedicated OS thread inside the controller's
// desktop, and the actions it defers are replayed in order on the calling
// goroutine after the desktop has been left. Deferred actions run even when
// the dialog fails, is cancelled or panics; their errors are logged and do
// not change the returned error.
func Run[T any](ctx context.Context, c *Controller, secure bool, dialog DialogFunc[T]) (T, error) {
	var zero T
	if dialog == nil {
		return zero, errors.New("dialog function is required")
	}
	if err := c.begin(); err != nil {
		return zero, err
	}

	s := &Session{
		id:     uuid.NewString(),
		secure: secure,
		ctx:    ctx,
		queue:  &Queue{},
	}
	c.metrics.RecordSessionStart()

	var res outcome[T]
	if secure {
		res = runIsolated(ctx, c, s, dialog)
	} else {
		res.value, res.err = guard(ctx, s, dialog)
	}

	if err := c.transition(StateClosed); err != nil {
		c.log.Error("session state corrupted", "session_id", s.id, "error", err)
	}
	actions := s.queue.take()

	result := sessionResult(res.err)
	if errors.Is(res.err, ErrAbandoned) {
		c.security.LogSecureSessionAbandoned(ctx, s.id, res.err.Error())
	}
	if secure {
		c.security.LogSecureSessionClosed(ctx, s.id, len(actions))
	}

	if len(actions) > 0 {
		if err := c.transition(StateDraining); err != nil {
			c.log.Error("session state corrupted", "session_id", s.id, "error", err)
		}
		c.drain(context.WithoutCancel(ctx), s.id, actions)
	}

	if err := c.transition(StateIdle); err != nil {
		c.log.Error("session state corrupted", "session_id", s.id, "error", err)
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
	}
	c.metrics.RecordSessionEnd(secure, result)

	return res.value, res.err
}

// runIsolated runs the dialog on a locked OS thread inside the desktop. The
// only values crossing back are the dialog result, its error and the
// session queue.
func runIsolated[T any](ctx context.Context, c *Controller, s *Session, dialog DialogFunc[T]) outcome[T] {
	var value T

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runtime.LockOSThread()

		leave, err := c.desktop.Enter(gctx)
		if err != nil {
			runtime.UnlockOSThread()
			return fmt.Errorf("failed to enter secure desktop: %w", err)
		}
		c.security.LogSecureSessionStarted(ctx, s.id, memoryLocked(c.desktop))

		v, err := guard(gctx, s, dialog)

		// A thread that could not be restored is left locked so the
		// runtime discards it when the goroutine exits.
		if leaveErr := leave(); leaveErr != nil {
			c.log.Error("failed to leave secure desktop", "session_id", s.id, "error", leaveErr)
		} else {
			runtime.UnlockOSThread()
		}

		value = v
		return err
	})
	err := g.Wait()

	return outcome[T]{value: value, err: err}
}

// guard runs the dialog and converts a panic into ErrAbandoned so the
// session still closes and drains.
func guard[T any](ctx context.Context, s *Session, dialog DialogFunc[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrAbandoned, r)
		}
	}()
	return dialog(ctx, s)
}

func (c *Controller) drain(ctx context.Context, sessionID string, actions []Action) {
	for _, a := range actions {
		err := runAction(ctx, a)
		c.metrics.RecordDeferredAction(err)
		if err != nil {
			c.log.Warn("deferred action failed", "session_id", sessionID, "action", a.Name, "error", err)
			continue
		}
		c.security.LogDeferredActionRun(ctx, sessionID, a.Name)
	}
}

func runAction(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deferred action %q panicked: %v", a.Name, r)
		}
	}()
	return a.Run(ctx)
}

func memoryLocked(d Desktop) bool {
	if ml, ok := d.(interface{ MemoryLocked() bool }); ok {
		return ml.MemoryLocked()
	}
	return false
}

func sessionResult(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
