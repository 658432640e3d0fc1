package keyprovider

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/keyguard/pkg/protect"
)

func TestShamirProviderCombines(t *testing.T) {
	secret := bytes.Repeat([]byte{0xA5}, 32)
	shares, err := SplitShares(append([]byte(nil), secret...), 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	p, err := NewShamirProvider(ShamirConfig{Threshold: 3})
	require.NoError(t, err)
	assert.Equal(t, ShamirProviderName, p.Name())
	assert.Contains(t, p.InputLabel(), "3")

	input := protect.NewString(strings.Join([]string{shares[4], shares[0], shares[2]}, "\n"))
	key, err := p.GetKey(context.Background(), QueryContext{Input: input})
	require.NoError(t, err)
	assert.Equal(t, secret, key)
}

func TestShamirProviderErrors(t *testing.T) {
	shares, err := SplitShares(bytes.Repeat([]byte{1}, 32), 3, 2)
	require.NoError(t, err)

	p, err := NewShamirProvider(ShamirConfig{Name: "shares", Threshold: 2})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name  string
		input *protect.String
	}{
		{name: "no input", input: nil},
		{name: "empty input", input: protect.NewString("")},
		{name: "too few shares", input: protect.NewString(shares[0])},
		{name: "bad hex", input: protect.NewString(shares[0] + " zz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.GetKey(ctx, QueryContext{Input: tt.input})
			assert.Error(t, err)
		})
	}
}

func TestNewShamirProviderThreshold(t *testing.T) {
	_, err := NewShamirProvider(ShamirConfig{Threshold: 1})
	assert.Error(t, err)
}
