package keysource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
)

func TestNewSelectorDefaults(t *testing.T) {
	s := NewSelector(Defaults{Password: true, KeyFile: "/keys/db.keyx", OSAccount: true})
	assert.True(t, s.IsEnabled(Password))
	assert.True(t, s.IsEnabled(KeyFile))
	assert.True(t, s.IsEnabled(OSAccount))
	assert.Equal(t, "/keys/db.keyx", s.KeyFile())

	s = NewSelector(Defaults{KeyFile: NoKeyFile})
	assert.False(t, s.IsEnabled(KeyFile))
	assert.Equal(t, NoKeyFile, s.KeyFile())
}

func TestDisablingKeyFileClearsSelection(t *testing.T) {
	s := NewSelector(Defaults{})
	s.SetKeyFile("/keys/db.keyx")
	require.True(t, s.IsEnabled(KeyFile))

	s.SetEnabled(KeyFile, false)
	s.SetEnabled(KeyFile, true)

	assert.Equal(t, NoKeyFile, s.KeyFile())
	assert.False(t, s.IsEnabled(KeyFile), "placeholder selection counts as disabled")
}

func TestAutoEnableOnInput(t *testing.T) {
	s := NewSelector(Defaults{})

	s.SetPassword(protect.NewString(""))
	assert.False(t, s.IsEnabled(Password), "empty input does not enable")

	s.SetPassword(protect.NewString("correct-horse"))
	assert.True(t, s.IsEnabled(Password))

	s.SetKeyFile("/keys/db.keyx")
	assert.True(t, s.IsEnabled(KeyFile))

	s.SetKeyFile(NoKeyFile)
	assert.False(t, s.IsEnabled(KeyFile))
}

func TestPasswordOnlyRequest(t *testing.T) {
	s := NewSelector(Defaults{})
	s.SetPassword(protect.NewString("correct-horse"))

	r, err := s.Request("/db.kgdb", true, testEnv)
	require.NoError(t, err)
	defer r.Destroy()

	assert.Equal(t, []Kind{Password}, r.Sources())
	assert.Equal(t, "/db.kgdb", r.ContextPath)
	assert.True(t, r.SecureDesktop)
	assert.True(t, r.Password.EqualString(protect.NewString("correct-horse")))
	assert.Nil(t, s.password, "selector must hand over its secrets")
}

func TestUncheckedClearedPasswordHasNoSource(t *testing.T) {
	s := NewSelector(Defaults{Password: true})
	s.SetPassword(protect.NewString(""))
	s.SetEnabled(Password, false)

	_, err := s.Request("/db.kgdb", false, testEnv)
	assert.True(t, errors.Is(err, keyerr.ErrNoSourceSelected))
}

func TestBlankPasswordEnabled(t *testing.T) {
	s := NewSelector(Defaults{Password: true})

	r, err := s.Request("/db.kgdb", false, testEnv)
	require.NoError(t, err)
	require.NotNil(t, r.Password)
	assert.True(t, r.Password.IsEmpty())
}

func TestRequestResolvesProviderName(t *testing.T) {
	s := NewSelector(Defaults{})
	s.SetKeyFile("Shamir Secret Shares")
	s.SetProviderInput(protect.NewString("aa bb"))

	r, err := s.Request("/db.kgdb", false, testEnv)
	require.NoError(t, err)

	assert.Empty(t, r.KeyFilePath)
	assert.Equal(t, []string{"Shamir Secret Shares"}, r.Providers)
	require.NotNil(t, r.ProviderInput)
	assert.Equal(t, []Kind{Provider}, r.Sources())
}

func TestRequestResolvesKeyFilePath(t *testing.T) {
	s := NewSelector(Defaults{OSAccount: true})
	s.SetKeyFile("/keys/db.keyx")
	s.SetAllowRawKeyFile(true)

	r, err := s.Request("/db.kgdb", false, testEnv)
	require.NoError(t, err)

	assert.Equal(t, "/keys/db.keyx", r.KeyFilePath)
	assert.Empty(t, r.Providers)
	assert.True(t, r.AllowRawKeyFile)
	assert.Equal(t, []Kind{KeyFile, OSAccount}, r.Sources())
}

func TestCreateModeRequiresMatchingRepeat(t *testing.T) {
	s := NewCreateSelector(Defaults{})
	assert.True(t, s.CreateMode())

	s.SetPassword(protect.NewString("pw-one"))
	s.SetPasswordRepeat(protect.NewString("pw-two"))
	assert.False(t, s.IsValid(testEnv))

	_, err := s.Request("/db.kgdb", false, testEnv)
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	s.SetPasswordRepeat(protect.NewString("pw-one"))
	assert.True(t, s.IsValid(testEnv))

	r, err := s.Request("/db.kgdb", false, testEnv)
	require.NoError(t, err)
	assert.True(t, r.CreatingNewKey)
}

func TestDiscard(t *testing.T) {
	s := NewSelector(Defaults{})
	s.SetPassword(protect.NewString("secret"))
	s.SetPasswordRepeat(protect.NewString("secret"))
	s.SetProviderInput(protect.NewString("input"))

	s.Discard()
	assert.Nil(t, s.password)
	assert.Nil(t, s.repeat)
	assert.Nil(t, s.providerInput)
}

func TestRequestDestroy(t *testing.T) {
	r := &Request{Password: protect.NewString("x"), ProviderInput: protect.NewString("y")}
	r.Destroy()
	assert.Nil(t, r.Password)
	assert.False(t, r.HasSource())

	var nilReq *Request
	nilReq.Destroy()
	assert.False(t, nilReq.HasSource())
}
