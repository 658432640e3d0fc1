// Package unlock is the caller-facing entry point for obtaining a composite
// key. It runs the credential dialog through the desktop controller, builds
// the key from the returned request once the session has closed, and
// re-prompts on recoverable failures.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/armorclaw/keyguard/pkg/compositekey"
	"github.com/armorclaw/keyguard/pkg/config"
	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/history"
	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keyfile"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/metrics"
	"github.com/armorclaw/keyguard/pkg/prompt"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// Outcome is how a request for a composite key ended
type Outcome int

const (
	// OutcomeNone accompanies a returned error
	OutcomeNone Outcome = iota
	OutcomeKey
	OutcomeCancelled
	OutcomeExited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeKey:
		return "key"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeExited:
		return "exited"
	default:
		return "none"
	}
}

// Result carries the composite key when Outcome is OutcomeKey. The caller
// owns the key and must destroy it.
type Result struct {
	Outcome Outcome
	Key     *compositekey.CompositeKey
}

// History remembers key source choices per database
type History interface {
	Lookup(ctx context.Context, contextPath string) (history.Entry, bool, error)
	Remember(ctx context.Context, req *keysource.Request) error
}

// Option configures a Service
type Option func(*Service)

// WithHistory enables remembered key source defaults
func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

// WithMetrics records request metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l.WithComponent("unlock")
		}
	}
}

// WithEnvironment overrides the lookups used by the enablement policy
func WithEnvironment(env keysource.Environment) Option {
	return func(s *Service) { s.env = env }
}

// WithRetryLimiter overrides the throttle applied before each re-prompt
func WithRetryLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithKeyFileLoader overrides how key files are checked inside the dialog
func WithKeyFileLoader(load func(string) (*keyfile.Container, error)) Option {
	return func(s *Service) { s.loadKeyFile = load }
}

// Service requests composite keys from the user
type Service struct {
	cfg        *config.Config
	registry   *keyprovider.Registry
	builder    *compositekey.Builder
	controller *desktop.Controller
	dialog     prompt.Dialog

	history     History
	env         keysource.Environment
	metrics     *metrics.Metrics
	log         *logger.Logger
	limiter     *rate.Limiter
	loadKeyFile func(string) (*keyfile.Container, error)
}

// NewService creates a service. The registry may be nil when no providers
// are configured.
func NewService(cfg *config.Config, registry *keyprovider.Registry, builder *compositekey.Builder, controller *desktop.Controller, dialog prompt.Dialog, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Service{
		cfg:         cfg,
		registry:    registry,
		builder:     builder,
		controller:  controller,
		dialog:      dialog,
		env:         keysource.NewEnvironment(registry),
		log:         logger.Global().WithComponent("unlock"),
		loadKeyFile: keyfile.Load,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		interval, err := cfg.RetryInterval()
		if err != nil || interval <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			s.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
	return s
}

// RequestCompositeKey asks the user for the key sources of an existing
// database and returns the composite key. Exited is only returned when
// allowExit is set.
func (s *Service) RequestCompositeKey(ctx context.Context, contextPath string, secureDesktop, allowExit bool) (Result, error) {
	return s.run(ctx, request{
		contextPath: contextPath,
		secure:      secureDesktop,
		allowExit:   allowExit,
	})
}

// CreateCompositeKey asks the user to define the key sources of a new
// database. The password must be entered twice.
func (s *Service) CreateCompositeKey(ctx context.Context, contextPath string, secureDesktop bool) (Result, error) {
	return s.run(ctx, request{
		contextPath: contextPath,
		secure:      secureDesktop,
		create:      true,
	})
}

type request struct {
	contextPath string
	secure      bool
	allowExit   bool
	create      bool
}

// collected is the single value returned across the session boundary
type collected struct {
	choice prompt.Choice
	req    *keysource.Request
}

func (s *Service) run(ctx context.Context, r request) (Result, error) {
	start := time.Now()
	log := s.log.WithContextPath(r.contextPath)
	defaults := s.defaults(ctx, r.contextPath)
	notice := ""

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := s.limiter.Wait(ctx); err != nil {
				s.metrics.RecordRequest(metrics.OutcomeCancelled, time.Since(start))
				return Result{Outcome: OutcomeCancelled}, err
			}
		}

		got, err := desktop.Run(ctx, s.controller, r.secure, func(ctx context.Context, sess *desktop.Session) (collected, error) {
			return s.collect(ctx, sess, r, defaults, notice)
		})
		if err != nil {
			s.metrics.RecordRequest(metrics.OutcomeFailure, time.Since(start))
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeCancelled}, err
			}
			return Result{}, fmt.Errorf("credential dialog failed: %w", err)
		}

		switch got.choice {
		case prompt.ChoiceExit:
			if r.allowExit {
				s.metrics.RecordRequest(metrics.OutcomeExited, time.Since(start))
				return Result{Outcome: OutcomeExited}, nil
			}
			fallthrough
		case prompt.ChoiceCancel:
			s.metrics.RecordRequest(metrics.OutcomeCancelled, time.Since(start))
			return Result{Outcome: OutcomeCancelled}, nil
		}

		key, err := s.builder.Build(ctx, got.req)
		if err == nil {
			s.remember(ctx, got.req)
			got.req.Destroy()
			s.metrics.RecordRequest(metrics.OutcomeSuccess, time.Since(start))
			return Result{Outcome: OutcomeKey, Key: key}, nil
		}

		defaults = defaultsFrom(got.req)
		got.req.Destroy()

		var ke *keyerr.KeyError
		if errors.As(err, &ke) {
			s.metrics.RecordBuildError(string(ke.Code))
		}
		if ctx.Err() != nil {
			s.metrics.RecordRequest(metrics.OutcomeCancelled, time.Since(start))
			return Result{Outcome: OutcomeCancelled}, err
		}
		if limit := s.cfg.Desktop.MaxAttempts; limit > 0 && attempt >= limit {
			s.metrics.RecordRequest(metrics.OutcomeFailure, time.Since(start))
			return Result{}, err
		}

		log.Warn("composite key build failed, prompting again", "attempt", attempt, "error", err)
		notice = prompt.Notice(err)
	}
}

// collect runs inside the session. Selection problems are shown in the
// dialog and never leave the session; only an accepted request does.
func (s *Service) collect(ctx context.Context, sess *desktop.Session, r request, defaults keysource.Defaults, notice string) (collected, error) {
	var sel *keysource.Selector
	if r.create {
		sel = keysource.NewCreateSelector(defaults)
	} else {
		sel = keysource.NewSelector(defaults)
	}
	defer sel.Discard()

	opts := prompt.Options{
		ContextPath: r.contextPath,
		CreateMode:  r.create,
		AllowExit:   r.allowExit,
		Providers:   prompt.ProvidersFrom(s.registry),
		Notice:      notice,
	}

	for {
		choice, err := s.dialog.Collect(ctx, sess, sel, opts)
		if err != nil || choice != prompt.ChoiceAccept {
			return collected{choice: choice}, err
		}

		req, err := sel.Request(r.contextPath, sess.Secure(), s.env)
		if err != nil {
			opts.Notice = prompt.Notice(err)
			continue
		}

		if err := s.checkKeyFile(ctx, sess, req); err != nil {
			req.Destroy()
			if ctx.Err() != nil {
				return collected{choice: prompt.ChoiceCancel}, ctx.Err()
			}
			opts.Notice = prompt.Notice(err)
			continue
		}
		return collected{choice: prompt.ChoiceAccept, req: req}, nil
	}
}

// checkKeyFile verifies the selected key file before the session closes.
// A file that is not a key file container may be accepted as raw key
// material after confirmation; an integrity failure never can.
func (s *Service) checkKeyFile(ctx context.Context, sess *desktop.Session, req *keysource.Request) error {
	if req.KeyFilePath == "" || req.AllowRawKeyFile {
		return nil
	}

	c, err := s.loadKeyFile(req.KeyFilePath)
	if err == nil {
		c.Destroy()
		return nil
	}
	if keyerr.KindOf(err) != keyerr.KindMalformedContainer || !s.cfg.KeyFile.AllowRaw {
		return err
	}

	raw, rawErr := keyfile.LoadRaw(req.KeyFilePath)
	if rawErr != nil {
		return err
	}
	protect.Wipe(raw)

	ok, err := s.dialog.Confirm(ctx, sess,
		"Use this file as a raw key?",
		fmt.Sprintf("%s is not a key file in a supported format. Its contents can still be used as key material.", req.KeyFilePath),
	)
	if err != nil {
		return err
	}
	if !ok {
		return keyerr.KeyFileInvalid(req.KeyFilePath, keyerr.MalformedContainer(req.KeyFilePath, "not a key file container", nil))
	}
	req.AllowRawKeyFile = true
	return nil
}

// defaults resolves the initial selection: configuration first, then the
// remembered choice unless an enforced rule applies
func (s *Service) defaults(ctx context.Context, contextPath string) keysource.Defaults {
	d := s.cfg.DefaultsFor(contextPath)
	if d.Enforced || !s.cfg.Sources.Remember || s.history == nil {
		return d
	}

	entry, ok, err := s.history.Lookup(ctx, contextPath)
	if err != nil {
		s.log.Warn("failed to read remembered key sources", "error", err)
		return d
	}
	if ok {
		return entry.Defaults()
	}
	return d
}

func (s *Service) remember(ctx context.Context, req *keysource.Request) {
	if !s.cfg.Sources.Remember || s.history == nil {
		return
	}
	if err := s.history.Remember(ctx, req); err != nil {
		s.log.Warn("failed to remember key sources", "error", err)
	}
}

// defaultsFrom keeps the non-secret part of a failed request so the next
// prompt starts from the user's last selection
func defaultsFrom(req *keysource.Request) keysource.Defaults {
	d := keysource.Defaults{
		Password:  req.Password != nil,
		KeyFile:   req.KeyFilePath,
		OSAccount: req.OSAccount,
	}
	if len(req.Providers) > 0 {
		d.KeyFile = req.Providers[0]
	}
	if d.KeyFile == "" {
		d.KeyFile = keysource.NoKeyFile
	}
	return d
}
