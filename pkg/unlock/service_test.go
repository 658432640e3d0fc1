package unlock

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	"github.com/armorclaw/keyguard/pkg/osaccount"
	"github.com/armorclaw/keyguard/pkg/prompt"
	"github.com/armorclaw/keyguard/pkg/protect"
)

type step func(sel *keysource.Selector, opts prompt.Options) prompt.Choice

// scriptedDialog plays back one step per prompt. It may be called from
// the isolated session goroutine, so it never calls t.FailNow.
type scriptedDialog struct {
	mu       sync.Mutex
	steps    []step
	confirms []bool
	notices  []string
	asked    int
}

func (d *scriptedDialog) Collect(_ context.Context, _ *desktop.Session, sel *keysource.Selector, opts prompt.Options) (prompt.Choice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notices = append(d.notices, opts.Notice)
	if len(d.steps) == 0 {
		sel.Discard()
		return prompt.ChoiceCancel, errors.New("dialog shown more often than scripted")
	}
	next := d.steps[0]
	d.steps = d.steps[1:]

	choice := next(sel, opts)
	if choice != prompt.ChoiceAccept {
		sel.Discard()
	}
	return choice, nil
}

func (d *scriptedDialog) Confirm(context.Context, *desktop.Session, string, string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.asked++
	if len(d.confirms) == 0 {
		return false, nil
	}
	ok := d.confirms[0]
	d.confirms = d.confirms[1:]
	return ok, nil
}

func password(pw string) step {
	return func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
		sel.SetEnabled(keysource.Password, true)
		sel.SetPassword(protect.NewString(pw))
		return prompt.ChoiceAccept
	}
}

func choose(c prompt.Choice) step {
	return func(*keysource.Selector, prompt.Options) prompt.Choice { return c }
}

type memHistory struct {
	entries map[string]history.Entry
}

func (h *memHistory) Lookup(_ context.Context, path string) (history.Entry, bool, error) {
	e, ok := h.entries[path]
	return e, ok, nil
}

func (h *memHistory) Remember(_ context.Context, req *keysource.Request) error {
	if h.entries == nil {
		h.entries = make(map[string]history.Entry)
	}
	h.entries[req.ContextPath] = history.Entry{
		ContextPath: req.ContextPath,
		Password:    req.Password != nil,
		KeyFile:     req.KeyFilePath,
		OSAccount:   req.OSAccount,
	}
	return nil
}

type fixture struct {
	cfg     *config.Config
	dialog  *scriptedDialog
	builder *compositekey.Builder
	history *memHistory
	metrics *metrics.Metrics
	service *Service
}

func newFixture(t *testing.T, steps ...step) *fixture {
	t.Helper()

	reg, err := keyprovider.NewRegistry()
	require.NoError(t, err)

	f := &fixture{
		cfg:     config.DefaultConfig(),
		dialog:  &scriptedDialog{steps: steps},
		builder: compositekey.NewBuilder(reg, osaccount.Unsupported{}, compositekey.WithLogger(logger.Discard())),
		history: &memHistory{},
		metrics: metrics.New(),
	}
	f.cfg.Sources.Password = false
	controller := desktop.NewController(nil, desktop.WithLogger(logger.Discard()))
	f.service = NewService(f.cfg, reg, f.builder, controller, f.dialog,
		WithLogger(logger.Discard()),
		WithHistory(f.history),
		WithMetrics(f.metrics),
		WithRetryLimiter(rate.NewLimiter(rate.Inf, 1)),
	)
	return f
}

func (f *fixture) expected(t *testing.T, req *keysource.Request) *compositekey.CompositeKey {
	t.Helper()
	key, err := f.builder.Build(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return key
}

func TestRequestCompositeKey_PasswordOnly(t *testing.T) {
	for _, secure := range []bool{true, false} {
		f := newFixture(t, password("correct-horse"))

		res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", secure, false)
		require.NoError(t, err)
		require.Equal(t, OutcomeKey, res.Outcome)
		defer res.Key.Destroy()

		want := f.expected(t, &keysource.Request{Password: protect.NewString("correct-horse")})
		assert.True(t, res.Key.Equal(want))
		assert.Equal(t, []keysource.Kind{keysource.Password}, res.Key.Sources())

		remembered := f.history.entries["/db/main.kgdb"]
		assert.True(t, remembered.Password)
		assert.Equal(t, int64(1), f.metrics.GetSnapshot()["attempts"])
	}
}

func TestRequestCompositeKey_NoSourceIsShownInsideTheDialog(t *testing.T) {
	f := newFixture(t, choose(prompt.ChoiceAccept), password("pw"))

	res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeKey, res.Outcome)
	res.Key.Destroy()

	require.Len(t, f.dialog.notices, 2)
	assert.Empty(t, f.dialog.notices[0])
	assert.Contains(t, f.dialog.notices[1], string(keyerr.CodeNoSourceSelected))
}

func TestRequestCompositeKey_CancelAndExit(t *testing.T) {
	tests := []struct {
		name      string
		choice    prompt.Choice
		allowExit bool
		want      Outcome
	}{
		{name: "cancel", choice: prompt.ChoiceCancel, want: OutcomeCancelled},
		{name: "exit", choice: prompt.ChoiceExit, allowExit: true, want: OutcomeExited},
		{name: "exit not allowed", choice: prompt.ChoiceExit, want: OutcomeCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
				sel.SetPassword(protect.NewString("typed but abandoned"))
				return tt.choice
			})

			res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, tt.allowExit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Nil(t, res.Key)
			assert.Empty(t, f.history.entries)
		})
	}
}

func TestRequestCompositeKey_BuildFailureReprompts(t *testing.T) {
	f := newFixture(t,
		func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
			sel.SetEnabled(keysource.OSAccount, true)
			return prompt.ChoiceAccept
		},
		func(sel *keysource.Selector, opts prompt.Options) prompt.Choice {
			if !sel.IsEnabled(keysource.OSAccount) {
				return prompt.ChoiceCancel
			}
			sel.SetEnabled(keysource.OSAccount, false)
			return password("pw")(sel, opts)
		},
	)

	res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeKey, res.Outcome, "the second prompt keeps the previous selection")
	res.Key.Destroy()

	require.Len(t, f.dialog.notices, 2)
	assert.Contains(t, f.dialog.notices[1], string(keyerr.CodeUnsupportedSource))
}

func TestRequestCompositeKey_MaxAttempts(t *testing.T) {
	f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
		sel.SetEnabled(keysource.OSAccount, true)
		return prompt.ChoiceAccept
	})
	f.cfg.Desktop.MaxAttempts = 1

	res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", false, false)
	assert.ErrorIs(t, err, keyerr.ErrUnsupportedSource)
	assert.Equal(t, OutcomeNone, res.Outcome)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot()["failures"])
}

func TestRequestCompositeKey_RawKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a key file container"), 0600))

	selectFile := func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
		sel.SetKeyFile(path)
		return prompt.ChoiceAccept
	}

	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t, selectFile)
		f.dialog.confirms = []bool{true}

		res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
		require.NoError(t, err)
		require.Equal(t, OutcomeKey, res.Outcome)
		defer res.Key.Destroy()

		want := f.expected(t, &keysource.Request{KeyFilePath: path, AllowRawKeyFile: true})
		assert.True(t, res.Key.Equal(want))
		assert.Equal(t, 1, f.dialog.asked)
	})

	t.Run("declined", func(t *testing.T) {
		f := newFixture(t, selectFile, choose(prompt.ChoiceCancel))
		f.dialog.confirms = []bool{false}

		res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, res.Outcome)
		require.Len(t, f.dialog.notices, 2)
		assert.Contains(t, f.dialog.notices[1], string(keyerr.CodeKeyFileInvalid))
	})

	t.Run("raw disabled by configuration", func(t *testing.T) {
		f := newFixture(t, selectFile, choose(prompt.ChoiceCancel))
		f.cfg.KeyFile.AllowRaw = false

		_, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
		require.NoError(t, err)
		assert.Zero(t, f.dialog.asked)
		assert.Contains(t, f.dialog.notices[1], string(keyerr.CodeMalformedContainer))
	})
}

func TestRequestCompositeKey_CorruptKeyFileIsNeverRaw(t *testing.T) {
	c, err := keyfile.CreateNew(keyfile.FormatV2)
	require.NoError(t, err)
	defer c.Destroy()

	path := filepath.Join(t.TempDir(), "db.keyx")
	require.NoError(t, keyfile.Save(c, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	bad := "00000000"
	if c.HashText() == bad {
		bad = "11111111"
	}
	require.NoError(t, os.WriteFile(path, bytes.Replace(data, []byte(c.HashText()), []byte(bad), 1), 0600))

	f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
		sel.SetKeyFile(path)
		return prompt.ChoiceAccept
	}, choose(prompt.ChoiceCancel))
	f.dialog.confirms = []bool{true}

	res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", true, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Zero(t, f.dialog.asked)
	assert.Contains(t, f.dialog.notices[1], string(keyerr.CodeIntegrityMismatch))
}

func TestRequestCompositeKey_Defaults(t *testing.T) {
	t.Run("remembered", func(t *testing.T) {
		f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
			if sel.IsEnabled(keysource.OSAccount) && !sel.IsEnabled(keysource.Password) {
				return prompt.ChoiceExit
			}
			return prompt.ChoiceCancel
		})
		f.history.entries = map[string]history.Entry{
			"/db/main.kgdb": {ContextPath: "/db/main.kgdb", OSAccount: true},
		}

		res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", false, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExited, res.Outcome)
	})

	t.Run("enforced rule wins over history", func(t *testing.T) {
		f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
			if sel.IsEnabled(keysource.Password) && !sel.IsEnabled(keysource.OSAccount) {
				return prompt.ChoiceExit
			}
			return prompt.ChoiceCancel
		})
		f.cfg.Files = []config.FileRule{{Pattern: "*.kgdb", Password: true}}
		f.history.entries = map[string]history.Entry{
			"/db/main.kgdb": {ContextPath: "/db/main.kgdb", OSAccount: true},
		}

		res, err := f.service.RequestCompositeKey(context.Background(), "/db/main.kgdb", false, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExited, res.Outcome)
	})
}

func TestCreateCompositeKey_RequiresMatchingRepeat(t *testing.T) {
	enter := func(pw, repeat string) step {
		return func(sel *keysource.Selector, opts prompt.Options) prompt.Choice {
			if !opts.CreateMode || opts.AllowExit {
				return prompt.ChoiceCancel
			}
			sel.SetPassword(protect.NewString(pw))
			sel.SetPasswordRepeat(protect.NewString(repeat))
			return prompt.ChoiceAccept
		}
	}
	f := newFixture(t, enter("new", "typo"), enter("new", "new"))

	res, err := f.service.CreateCompositeKey(context.Background(), "/db/new.kgdb", true)
	require.NoError(t, err)
	require.Equal(t, OutcomeKey, res.Outcome)
	defer res.Key.Destroy()

	assert.Contains(t, f.dialog.notices[1], keysource.ErrPasswordMismatch.Error())
	want := f.expected(t, &keysource.Request{Password: protect.NewString("new")})
	assert.True(t, res.Key.Equal(want))
}

func TestRequestCompositeKey_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
		cancel()
		sel.SetEnabled(keysource.OSAccount, true)
		return prompt.ChoiceAccept
	})

	res, err := f.service.RequestCompositeKey(ctx, "/db/main.kgdb", false, false)
	assert.Error(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.Key)
}

func TestNewRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)
	assert.Empty(t, reg.List())

	cfg.Providers.Shamir.Enabled = true
	cfg.Providers.Vault.Enabled = true
	cfg.Providers.Vault.Address = "http://127.0.0.1:8200"
	reg, err = NewRegistry(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{keyprovider.ShamirProviderName, keyprovider.VaultProviderName}, reg.List())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "key", OutcomeKey.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "exited", OutcomeExited.String())
	assert.Equal(t, "none", OutcomeNone.String())
}

func TestRequestCompositeKey_LogsEachResolvedSourceOnce(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
		want  int
	}{
		{name: "password", steps: []step{password("pw")}, want: 1},
		{
			name: "unresolved source",
			steps: []step{
				func(sel *keysource.Selector, _ prompt.Options) prompt.Choice {
					sel.SetEnabled(keysource.OSAccount, true)
					return prompt.ChoiceAccept
				},
				choose(prompt.ChoiceCancel),
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := logger.New(logger.Config{Level: "info", Format: "json", Writer: &buf})
			require.NoError(t, err)

			reg, err := keyprovider.NewRegistry()
			require.NoError(t, err)
			cfg := config.DefaultConfig()
			cfg.Sources.Password = false
			builder := compositekey.NewBuilder(reg, osaccount.Unsupported{}, compositekey.WithLogger(log))
			controller := desktop.NewController(nil, desktop.WithLogger(logger.Discard()))
			svc := NewService(cfg, reg, builder, controller, &scriptedDialog{steps: tt.steps},
				WithLogger(log),
				WithRetryLimiter(rate.NewLimiter(rate.Inf, 1)),
			)

			res, err := svc.RequestCompositeKey(context.Background(), "/db/main.kgdb", false, false)
			require.NoError(t, err)
			if res.Key != nil {
				res.Key.Destroy()
			}

			got := bytes.Count(buf.Bytes(), []byte(`"event_type":"`+string(logger.KeySourceResolved)+`"`))
			assert.Equal(t, tt.want, got)
		})
	}
}
