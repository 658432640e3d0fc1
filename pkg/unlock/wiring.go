package unlock

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/armorclaw/keyguard/pkg/config"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/prompt"
)

// NewRegistry registers the providers enabled in cfg. Shamir shares come
// first, so a database using both always mixes them in the same order.
func NewRegistry(cfg *config.Config) (*keyprovider.Registry, error) {
	reg, err := keyprovider.NewRegistry()
	if err != nil {
		return nil, err
	}

	if cfg.Providers.Shamir.Enabled {
		p, err := keyprovider.NewShamirProvider(cfg.ToShamirConfig())
		if err != nil {
			return nil, fmt.Errorf("shamir provider: %w", err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.Providers.Vault.Enabled {
		p, err := keyprovider.NewVaultProvider(cfg.ToVaultConfig())
		if err != nil {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	logger.Debug("key providers registered", "providers", reg.List())
	return reg, nil
}

// NewDialog picks the full-screen form when stdin and stderr are terminals
// and plain is not requested, and the line dialog otherwise
func NewDialog(plain bool) prompt.Dialog {
	if !plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd())) {
		return prompt.NewFormDialog()
	}
	return prompt.NewLineDialog()
}
