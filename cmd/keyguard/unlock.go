package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/armorclaw/keyguard/pkg/compositekey"
	"github.com/armorclaw/keyguard/pkg/config"
	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/history"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/metrics"
	"github.com/armorclaw/keyguard/pkg/osaccount"
	"github.com/armorclaw/keyguard/pkg/protect"
	"github.com/armorclaw/keyguard/pkg/unlock"
	"github.com/armorclaw/keyguard/pkg/vault"
)

// app holds the components shared by the unlock and create commands
type app struct {
	cfg      *config.Config
	registry *keyprovider.Registry
	metrics  *metrics.Metrics
	history  *history.Store
}

func newApp(cfg *config.Config, skip string) (*app, error) {
	reg, err := unlock.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if err := skipProviders(reg, skip); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, registry: reg}
	if cfg.Metrics.Enabled || cfg.Metrics.Textfile != "" {
		a.metrics = metrics.New()
	}
	return a, nil
}

func (a *app) service(ctx context.Context, plain bool) *unlock.Service {
	log := logger.Global()

	builder := compositekey.NewBuilder(a.registry, osaccount.NewKeyringAccount(), compositekey.WithLogger(log))
	screen := desktop.NewTerminalDesktop(a.cfg.Desktop.LockMemory, os.Stderr, log)
	controller := desktop.NewController(screen, desktop.WithLogger(log), desktop.WithMetrics(a.metrics))

	opts := []unlock.Option{unlock.WithLogger(log), unlock.WithMetrics(a.metrics)}
	if a.cfg.Sources.Remember {
		store, err := history.Open(ctx, a.cfg.Sources.HistoryDB)
		if err != nil {
			log.Warn("remembered key sources unavailable", "error", err)
		} else {
			a.history = store
			opts = append(opts, unlock.WithHistory(store))
		}
	}

	return unlock.NewService(a.cfg, a.registry, builder, controller, unlock.NewDialog(plain), opts...)
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}
}

// outcomeCode maps a non-key outcome to its exit code
func (c *cli) outcomeCode(res unlock.Result) (int, bool) {
	switch res.Outcome {
	case unlock.OutcomeCancelled:
		fmt.Fprintln(c.stderr, "Cancelled")
		return exitCancelled, true
	case unlock.OutcomeExited:
		return exitExited, true
	}
	return exitOK, false
}

func (c *cli) runUnlock(ctx context.Context, args []string) int {
	fs, configPath := c.newFlagSet("unlock")
	dbPath := fs.String("db", "", "Path to the vault database")
	secure := fs.Bool("secure", false, "Collect credentials in an isolated session (default from config)")
	allowExit := fs.Bool("allow-exit", false, "Offer an exit choice in the dialog")
	plain := fs.Bool("plain", false, "Use the line dialog instead of the full-screen form")
	get := fs.String("get", "", "Print the value of this entry")
	set := fs.String("set", "", "Store the contents of -from as this entry")
	from := fs.String("from", "", "File holding the value for -set")
	del := fs.String("delete", "", "Remove this entry")
	skip := fs.String("skip-provider", "", "Comma-separated providers to leave out of this run")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *dbPath == "" {
		return c.fail(errors.New("-db is required"))
	}
	if (*set == "") != (*from == "") {
		return c.fail(errors.New("-set and -from must be used together"))
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	a, err := newApp(cfg, *skip)
	if err != nil {
		return c.fail(err)
	}
	defer a.close()

	res, err := a.service(ctx, *plain).RequestCompositeKey(ctx, *dbPath, *secure || cfg.Desktop.Secure, *allowExit)
	if err != nil {
		return c.fail(err)
	}
	if code, done := c.outcomeCode(res); done {
		return code
	}
	defer res.Key.Destroy()

	v, err := vault.Open(ctx, *dbPath, res.Key)
	if errors.Is(err, vault.ErrInvalidKey) {
		return c.fail(fmt.Errorf("the composite key does not open %s; check every key source", *dbPath))
	}
	if err != nil {
		return c.fail(err)
	}
	defer v.Close()

	switch {
	case *set != "":
		value, err := os.ReadFile(*from)
		if err != nil {
			return c.fail(err)
		}
		defer protect.Wipe(value)
		if err := v.Put(ctx, *set, value); err != nil {
			return c.fail(err)
		}
		fmt.Fprintf(c.stdout, "Stored %s\n", *set)
		return exitOK
	case *del != "":
		if err := v.Delete(ctx, *del); err != nil {
			return c.fail(err)
		}
		fmt.Fprintf(c.stdout, "Deleted %s\n", *del)
		return exitOK
	case *get != "":
		value, err := v.Get(ctx, *get)
		if err != nil {
			return c.fail(err)
		}
		defer protect.Wipe(value)
		c.stdout.Write(value)
		fmt.Fprintln(c.stdout)
		return exitOK
	}

	entries, err := v.List(ctx)
	if err != nil {
		return c.fail(err)
	}
	c.printKeySummary("Unlocked", *dbPath, res.Key)
	fmt.Fprintf(c.stdout, "Entries:     %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(c.stdout, "  %s (updated %s)\n", e.Name, e.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return exitOK
}

func (c *cli) runCreate(ctx context.Context, args []string) int {
	fs, configPath := c.newFlagSet("create")
	dbPath := fs.String("db", "", "Path of the new vault database")
	secure := fs.Bool("secure", false, "Collect credentials in an isolated session (default from config)")
	plain := fs.Bool("plain", false, "Use the line dialog instead of the full-screen form")
	skip := fs.String("skip-provider", "", "Comma-separated providers to leave out of this run")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *dbPath == "" {
		return c.fail(errors.New("-db is required"))
	}
	if _, err := os.Stat(*dbPath); err == nil {
		return c.fail(fmt.Errorf("%w: %s", vault.ErrExists, *dbPath))
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	a, err := newApp(cfg, *skip)
	if err != nil {
		return c.fail(err)
	}
	defer a.close()

	res, err := a.service(ctx, *plain).CreateCompositeKey(ctx, *dbPath, *secure || cfg.Desktop.Secure)
	if err != nil {
		return c.fail(err)
	}
	if code, done := c.outcomeCode(res); done {
		return code
	}
	defer res.Key.Destroy()

	v, err := vault.Create(ctx, *dbPath, res.Key)
	if err != nil {
		return c.fail(err)
	}
	defer v.Close()

	c.printKeySummary("Created", *dbPath, res.Key)
	return exitOK
}

func (c *cli) printKeySummary(verb, path string, key *compositekey.CompositeKey) {
	sources := make([]string, 0, len(key.Sources()))
	for _, s := range key.Sources() {
		sources = append(sources, s.String())
	}
	fmt.Fprintf(c.stdout, "%s %s\n", verb, path)
	fmt.Fprintf(c.stdout, "Fingerprint: %s\n", key.Fingerprint())
	fmt.Fprintf(c.stdout, "Sources:     %s\n", strings.Join(sources, ", "))
	if providers := key.Providers(); len(providers) > 0 {
		fmt.Fprintf(c.stdout, "Providers:   %s\n", strings.Join(providers, ", "))
	}
}
