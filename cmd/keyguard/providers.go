package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/protect"
	"github.com/armorclaw/keyguard/pkg/securerandom"
	"github.com/armorclaw/keyguard/pkg/unlock"
)

// shareSecretSize is the length of the secret behind a new set of shares
const shareSecretSize = 32

// skipProviders removes the comma-separated providers in names from reg
func skipProviders(reg *keyprovider.Registry, names string) error {
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !reg.Unregister(name) {
			return fmt.Errorf("unknown key provider %q", name)
		}
	}
	return nil
}

func (c *cli) runProviders(_ context.Context, args []string) int {
	if len(args) > 0 && args[0] == "split-shares" {
		return c.runSplitShares(args[1:])
	}

	fs, configPath := c.newFlagSet("providers")
	skip := fs.String("skip-provider", "", "Comma-separated providers to leave out")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	reg, err := unlock.NewRegistry(cfg)
	if err != nil {
		return c.fail(err)
	}
	if err := skipProviders(reg, *skip); err != nil {
		return c.fail(err)
	}

	names := reg.List()
	if len(names) == 0 {
		fmt.Fprintln(c.stdout, "No key providers enabled")
		return exitOK
	}
	for i, name := range names {
		line := fmt.Sprintf("%d. %s", i+1, name)
		if p, ok := reg.Lookup(name); ok {
			if d, ok := p.(keyprovider.InputDescriber); ok {
				line += " - " + d.InputLabel()
			}
		}
		fmt.Fprintln(c.stdout, line)
	}
	return exitOK
}

// runSplitShares creates a random secret and prints it as Shamir shares
// for the share provider. The secret itself is never shown.
func (c *cli) runSplitShares(args []string) int {
	fs, configPath := c.newFlagSet("providers split-shares")
	parts := fs.Int("parts", 5, "Number of shares to create")
	threshold := fs.Int("threshold", 0, "Shares needed to rebuild the key (default from config)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	if *threshold == 0 {
		*threshold = cfg.Providers.Shamir.Threshold
	}
	if *threshold < 2 || *parts < *threshold {
		return c.fail(errors.New("need 2 <= threshold <= parts"))
	}

	secret, err := securerandom.Bytes(shareSecretSize)
	if err != nil {
		return c.fail(err)
	}
	defer protect.Wipe(secret)

	shares, err := keyprovider.SplitShares(secret, *parts, *threshold)
	if err != nil {
		return c.fail(err)
	}

	fmt.Fprintf(c.stderr, "Hand out these %d shares; any %d of them unlock the key.\n", *parts, *threshold)
	for _, s := range shares {
		fmt.Fprintln(c.stdout, s)
	}
	return exitOK
}
