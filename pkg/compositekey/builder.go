package compositekey

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keyfile"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/osaccount"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// Builder turns validated requests into composite keys.
//
// Each enabled source yields a 32-byte contribution:
//   - password: SHA-256 of the NFC-normalized UTF-8 text
//   - key file: the container's key data, or raw key material
//   - OS account: the bytes derived for the current user
//   - provider: SHA-256 of the provider's key bytes
//
// The composite key is SHA-256 over the contributions concatenated in that
// order, providers ordered by registration. A Builder is safe for
// concurrent use.
type Builder struct {
	registry    *keyprovider.Registry
	account     osaccount.Deriver
	loadKeyFile func(path string) (*keyfile.Container, error)
	loadRaw     func(path string) ([]byte, error)
	log         *logger.Logger
	security    *logger.SecurityLogger
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// WithKeyFileLoaders replaces the key file readers
func WithKeyFileLoaders(load func(string) (*keyfile.Container, error), raw func(string) ([]byte, error)) Option {
	return func(b *Builder) {
		if load != nil {
			b.loadKeyFile = load
		}
		if raw != nil {
			b.loadRaw = raw
		}
	}
}

// NewBuilder creates a builder. A nil registry means no providers; a nil
// account deriver makes the OS account source unsupported.
func NewBuilder(registry *keyprovider.Registry, account osaccount.Deriver, opts ...Option) *Builder {
	b := &Builder{
		registry:    registry,
		account:     account,
		loadKeyFile: keyfile.Load,
		loadRaw:     keyfile.LoadRaw,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.account == nil {
		b.account = osaccount.Unsupported{}
	}
	if b.log == nil {
		b.log = logger.Global()
	}
	b.log = b.log.WithComponent("compositekey")
	b.security = logger.NewSecurityLogger(b.log)
	return b
}

// Build resolves every enabled source of req and combines the results.
// Failure is total: when any source fails no key is returned and every
// intermediate contribution is wiped. The request keeps ownership of its
// secrets.
func (b *Builder) Build(ctx context.Context, req *keysource.Request) (*CompositeKey, error) {
	if !req.HasSource() {
		err := keyerr.NoSourceSelected()
		if req != nil {
			b.security.LogCompositeKeyFailed(ctx, req.ContextPath, string(err.Code), err.Message)
		}
		return nil, err
	}

	key, providers, err := b.combine(ctx, req)
	if err != nil {
		code := ""
		var ke *keyerr.KeyError
		if errors.As(err, &ke) {
			code = string(ke.Code)
		}
		b.security.LogCompositeKeyFailed(ctx, req.ContextPath, code, err.Error())
		return nil, err
	}

	sources := req.Sources()
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.String()
	}
	b.security.LogCompositeKeyBuilt(ctx, req.ContextPath, names)

	return newCompositeKey(key, sources, providers), nil
}

func (b *Builder) combine(ctx context.Context, req *keysource.Request) ([]byte, []string, error) {
	var parts [][]byte
	defer func() {
		for _, p := range parts {
			protect.Wipe(p)
		}
	}()

	add := func(kind string, part []byte) {
		parts = append(parts, part)
		b.security.LogKeySourceResolved(ctx, req.ContextPath, kind)
	}

	if req.Password != nil {
		part, err := passwordContribution(req.Password)
		if err != nil {
			return nil, nil, err
		}
		add(keysource.Password.String(), part)
	}

	if req.KeyFilePath != "" {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		part, err := b.keyFileContribution(req.KeyFilePath, req.AllowRawKeyFile)
		if err != nil {
			return nil, nil, err
		}
		add(keysource.KeyFile.String(), part)
	}

	if req.OSAccount {
		part, err := b.accountContribution(ctx, req.CreatingNewKey)
		if err != nil {
			return nil, nil, err
		}
		add(keysource.OSAccount.String(), part)
	}

	providers := b.orderProviders(req.Providers)
	for _, name := range providers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		q := keyprovider.QueryContext{
			ContextPath:    req.ContextPath,
			CreatingNewKey: req.CreatingNewKey,
			SecureDesktop:  req.SecureDesktop,
			Input:          req.ProviderInput,
		}
		raw, err := b.registry.GetKey(ctx, name, q)
		if err != nil {
			b.security.LogProviderFailure(ctx, name, err.Error(), slog.String("context_path", req.ContextPath))
			return nil, nil, err
		}
		sum := sha256.Sum256(raw)
		protect.Wipe(raw)
		add(keysource.Provider.String(), sum[:])
	}

	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), providers, nil
}

func passwordContribution(p *protect.String) ([]byte, error) {
	var sum [sha256.Size]byte
	err := p.Use(func(plain []byte) error {
		normalized := norm.NFC.Bytes(plain)
		sum = sha256.Sum256(normalized)
		if len(normalized) > 0 && &normalized[0] != &plain[0] {
			protect.Wipe(normalized)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum[:], nil
}

func (b *Builder) keyFileContribution(path string, allowRaw bool) ([]byte, error) {
	c, err := b.loadKeyFile(path)
	if err == nil {
		key := append([]byte(nil), c.Key...)
		c.Destroy()
		return key, nil
	}

	if allowRaw && keyerr.KindOf(err) == keyerr.KindMalformedContainer {
		b.log.Warn("loading key file as raw key material", "path", path)
		raw, rawErr := b.loadRaw(path)
		if rawErr == nil {
			return raw, nil
		}
		return nil, keyerr.KeyFileInvalid(path, rawErr)
	}

	if keyerr.KindOf(err) == keyerr.KindIntegrityMismatch {
		b.security.LogIntegrityMismatch(context.Background(), path)
	}
	return nil, keyerr.KeyFileInvalid(path, err)
}

func (b *Builder) accountContribution(ctx context.Context, create bool) ([]byte, error) {
	part, err := b.account.DeriveBytes(ctx, create)
	if err != nil {
		if ctx.Err() != nil || keyerr.KindOf(err) != keyerr.KindUnknown {
			return nil, err
		}
		return nil, keyerr.UnsupportedSource("OS account", err)
	}
	if len(part) == 0 {
		return nil, keyerr.UnsupportedSource("OS account", errors.New("no bytes derived for current user"))
	}
	return part, nil
}

func (b *Builder) orderProviders(names []string) []string {
	ordered := append([]string(nil), names...)
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := b.registry.Order(ordered[i]), b.registry.Order(ordered[j])
		// Unregistered names sort last and fail in GetKey
		if oi < 0 {
			return false
		}
		if oj < 0 {
			return true
		}
		return oi < oj
	})
	return ordered
}
