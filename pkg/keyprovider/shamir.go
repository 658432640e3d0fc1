package keyprovider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/shamir"

	"github.com/armorclaw/keyguard/pkg/protect"
)

// ShamirProviderName is the default registry name of the Shamir provider
const ShamirProviderName = "Shamir Secret Shares"

// ShamirConfig configures the share-combining provider
type ShamirConfig struct {
	// Name overrides ShamirProviderName
	Name string

	// Threshold is the minimum number of shares accepted
	Threshold int
}

// ShamirProvider reconstructs key bytes from Shamir secret shares typed by
// the user. Shares are hex encoded and separated by whitespace.
type ShamirProvider struct {
	name      string
	threshold int
}

// NewShamirProvider creates a Shamir share provider
func NewShamirProvider(cfg ShamirConfig) (*ShamirProvider, error) {
	if cfg.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	name := cfg.Name
	if name == "" {
		name = ShamirProviderName
	}
	return &ShamirProvider{name: name, threshold: cfg.Threshold}, nil
}

func (p *ShamirProvider) Name() string { return p.name }

// InputLabel implements InputDescriber
func (p *ShamirProvider) InputLabel() string {
	return fmt.Sprintf("Enter at least %d shares (hex, one per line)", p.threshold)
}

// GetKey combines the shares in q.Input
func (p *ShamirProvider) GetKey(_ context.Context, q QueryContext) ([]byte, error) {
	if q.Input == nil || q.Input.IsEmpty() {
		return nil, errors.New("no shares entered")
	}

	var secret []byte
	err := q.Input.Use(func(plain []byte) error {
		fields := strings.Fields(string(plain))
		if len(fields) < p.threshold {
			return fmt.Errorf("need at least %d shares, got %d", p.threshold, len(fields))
		}

		parts := make([][]byte, 0, len(fields))
		defer func() {
			for _, part := range parts {
				protect.Wipe(part)
			}
		}()
		for i, f := range fields {
			part, err := hex.DecodeString(f)
			if err != nil {
				return fmt.Errorf("share %d is not valid hex: %w", i+1, err)
			}
			parts = append(parts, part)
		}

		var err error
		secret, err = shamir.Combine(parts)
		if err != nil {
			return fmt.Errorf("failed to combine shares: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// SplitShares splits secret into parts hex-encoded shares, any threshold of
// which reconstruct it. Used when setting up a new share-based key.
func SplitShares(secret []byte, parts, threshold int) ([]string, error) {
	shares, err := shamir.Split(secret, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	out := make([]string, len(shares))
	for i, s := range shares {
		out[i] = hex.EncodeToString(s)
		protect.Wipe(s)
	}
	return out, nil
}
