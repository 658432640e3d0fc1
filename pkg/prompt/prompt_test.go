package prompt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/logger"
)

const shamirName = "Shamir Secret Shares"

type fakeEnv struct{}

func (fakeEnv) FileExists(path string) bool { return path == "/keys/db.keyx" }
func (fakeEnv) IsProvider(name string) bool { return name == shamirName }

func collect(t *testing.T, d Dialog, sel *keysource.Selector, opts Options, secure bool) (Choice, error) {
	t.Helper()
	c := desktop.NewController(nil, desktop.WithLogger(logger.Discard()))
	return desktop.Run(context.Background(), c, secure, func(ctx context.Context, s *desktop.Session) (Choice, error) {
		return d.Collect(ctx, s, sel, opts)
	})
}

func secretText(t *testing.T, r *keysource.Request) string {
	t.Helper()
	require.NotNil(t, r.Password)
	var got string
	require.NoError(t, r.Password.Use(func(b []byte) error {
		got = string(b)
		return nil
	}))
	return got
}

func TestLineDialog_PasswordOnly(t *testing.T) {
	var out bytes.Buffer
	d := &LineDialog{In: strings.NewReader("y\ncorrect-horse\n\n\n\n"), Out: &out}
	sel := keysource.NewSelector(keysource.Defaults{})

	choice, err := collect(t, d, sel, Options{ContextPath: "/db/main.kdbx"}, true)
	require.NoError(t, err)
	assert.Equal(t, ChoiceAccept, choice)
	assert.Contains(t, out.String(), "Unlock /db/main.kdbx")

	req, err := sel.Request("/db/main.kdbx", true, fakeEnv{})
	require.NoError(t, err)
	defer req.Destroy()
	assert.Equal(t, "correct-horse", secretText(t, req))
	assert.Empty(t, req.KeyFilePath)
	assert.False(t, req.OSAccount)
}

func TestLineDialog_CRLFInput(t *testing.T) {
	d := &LineDialog{In: strings.NewReader("y\r\npw\r\n-\r\nn\r\na\r\n")}
	sel := keysource.NewSelector(keysource.Defaults{})

	choice, err := collect(t, d, sel, Options{}, false)
	require.NoError(t, err)
	assert.Equal(t, ChoiceAccept, choice)

	req, err := sel.Request("db", false, fakeEnv{})
	require.NoError(t, err)
	assert.Equal(t, "pw", secretText(t, req))
}

func TestLineDialog_CreateModeRepeat(t *testing.T) {
	d := &LineDialog{In: strings.NewReader("y\nnew-secret\nnew-secret\n-\nn\n\n")}
	sel := keysource.NewCreateSelector(keysource.Defaults{})

	choice, err := collect(t, d, sel, Options{CreateMode: true}, false)
	require.NoError(t, err)
	assert.Equal(t, ChoiceAccept, choice)
	assert.True(t, sel.PasswordsMatch())

	d = &LineDialog{In: strings.NewReader("y\nnew-secret\ntypo\n-\nn\n\n")}
	sel = keysource.NewCreateSelector(keysource.Defaults{})
	_, err = collect(t, d, sel, Options{CreateMode: true}, false)
	require.NoError(t, err)

	_, err = sel.Request("db", false, fakeEnv{})
	assert.ErrorIs(t, err, keysource.ErrPasswordMismatch)
}

func TestLineDialog_ProviderByNumber(t *testing.T) {
	d := &LineDialog{In: strings.NewReader("n\n1\n01ab 02cd\nn\n\n")}
	sel := keysource.NewSelector(keysource.Defaults{Password: true})
	opts := Options{Providers: []ProviderInfo{{Name: shamirName, InputLabel: "Shares (3 required)"}}}

	choice, err := collect(t, d, sel, opts, true)
	require.NoError(t, err)
	assert.Equal(t, ChoiceAccept, choice)
	assert.Equal(t, shamirName, sel.KeyFile())

	req, err := sel.Request("db", true, fakeEnv{})
	require.NoError(t, err)
	assert.Equal(t, []string{shamirName}, req.Providers)
	require.NotNil(t, req.ProviderInput)
	assert.Nil(t, req.Password)
}

func TestLineDialog_KeepsDefaultKeyFile(t *testing.T) {
	d := &LineDialog{In: strings.NewReader("n\n\nn\n\n")}
	sel := keysource.NewSelector(keysource.Defaults{KeyFile: "/keys/db.keyx"})

	_, err := collect(t, d, sel, Options{}, false)
	require.NoError(t, err)

	req, err := sel.Request("db", false, fakeEnv{})
	require.NoError(t, err)
	assert.Equal(t, "/keys/db.keyx", req.KeyFilePath)
}

func TestLineDialog_HelpIsDeferredUntilClose(t *testing.T) {
	var help bytes.Buffer
	d := &LineDialog{In: strings.NewReader("n\n-\ny\nh\na\n"), HelpOut: &help}
	sel := keysource.NewSelector(keysource.Defaults{})

	c := desktop.NewController(nil, desktop.WithLogger(logger.Discard()))
	choice, err := desktop.Run(context.Background(), c, true, func(ctx context.Context, s *desktop.Session) (Choice, error) {
		choice, err := d.Collect(ctx, s, sel, Options{})
		assert.Zero(t, help.Len(), "help must not be written inside the session")
		assert.Equal(t, 1, s.Pending())
		return choice, err
	})

	require.NoError(t, err)
	assert.Equal(t, ChoiceAccept, choice)
	assert.Contains(t, help.String(), "Composite key sources")
}

func TestLineDialog_CancelAndExit(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		allowExit bool
		want      Choice
	}{
		{name: "cancel", input: "n\n-\ny\nc\n", want: ChoiceCancel},
		{name: "exit allowed", input: "n\n-\ny\nx\n", allowExit: true, want: ChoiceExit},
		{name: "exit not offered", input: "n\n-\ny\nx\nc\n", want: ChoiceCancel},
		{name: "end of input", input: "y\n", want: ChoiceCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &LineDialog{In: strings.NewReader(tt.input)}
			sel := keysource.NewSelector(keysource.Defaults{})

			choice, err := collect(t, d, sel, Options{AllowExit: tt.allowExit}, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, choice)
			assert.True(t, sel.State().PasswordEmpty, "secrets must be discarded")
		})
	}
}

func TestLineDialog_Confirm(t *testing.T) {
	d := &LineDialog{In: strings.NewReader("y\n")}
	ok, err := d.Confirm(context.Background(), nil, "Use it anyway?", "not a key file")
	require.NoError(t, err)
	assert.True(t, ok)

	d = &LineDialog{In: strings.NewReader("")}
	ok, err = d.Confirm(context.Background(), nil, "Use it anyway?", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadLine(t *testing.T) {
	r := strings.NewReader("first\r\nsecond")
	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "first", string(line))

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(line))

	_, err = readLine(r)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadLine_LongSecret(t *testing.T) {
	secret := strings.Repeat("s3cr3t-", 40)
	line, err := readLine(strings.NewReader(secret + "\r\nnext"))
	require.NoError(t, err)
	assert.Equal(t, secret, string(line))
	assert.Zero(t, line[:cap(line)][len(line)], "the dropped carriage return is wiped")
}

func TestAppendWiped_WipesOutgrownBuffer(t *testing.T) {
	old := make([]byte, 0, 4)
	old = append(old, "abcd"...)

	grown := appendWiped(old, 'e')

	assert.Equal(t, "abcde", string(grown))
	assert.Equal(t, []byte{0, 0, 0, 0}, old)

	same := appendWiped(grown, 'f')
	assert.Equal(t, "abcdef", string(same))
	assert.Equal(t, byte('a'), grown[0], "no reallocation while capacity remains")
}

func TestKeyFileOptions(t *testing.T) {
	opts := Options{Providers: []ProviderInfo{{Name: shamirName}}}

	options := keyFileOptions(otherKeyFile, "/keys/db.keyx", opts)
	require.Len(t, options, 3)
	assert.Equal(t, keysource.NoKeyFile, options[0].Value)
	assert.Equal(t, shamirName, options[1].Value)
	assert.Equal(t, otherKeyFile, options[2].Value)
	assert.Contains(t, options[2].Key, "/keys/db.keyx")

	assert.Equal(t, keysource.NoKeyFile, initialKeyChoice("", opts))
	assert.Equal(t, shamirName, initialKeyChoice(shamirName, opts))
	assert.Equal(t, otherKeyFile, initialKeyChoice("/keys/db.keyx", opts))
}

func TestApply(t *testing.T) {
	opts := Options{CreateMode: true, Providers: []ProviderInfo{{Name: shamirName, InputLabel: "Shares"}}}
	sel := keysource.NewCreateSelector(keysource.Defaults{})
	v := &formValues{
		usePassword: true,
		password:    "pw",
		repeat:      "pw",
		keyChoice:   shamirName,
		providerIn:  "aa bb",
		osAccount:   true,
	}

	apply(sel, v, opts)

	assert.Empty(t, v.password)
	assert.Empty(t, v.providerIn)
	assert.True(t, sel.PasswordsMatch())
	assert.True(t, sel.IsEnabled(keysource.OSAccount))
	assert.Equal(t, shamirName, sel.KeyFile())
}

func TestApply_TypedPasswordEnablesSource(t *testing.T) {
	sel := keysource.NewSelector(keysource.Defaults{})
	v := &formValues{usePassword: false, password: "correct-horse", keyChoice: keysource.NoKeyFile}

	apply(sel, v, Options{})

	assert.True(t, sel.IsEnabled(keysource.Password))
	assert.True(t, v.usePassword)
	assert.Empty(t, v.password)

	req, err := sel.Request("db.kdbx", false, fakeEnv{})
	require.NoError(t, err)
	defer req.Destroy()
	assert.Equal(t, "correct-horse", secretText(t, req))
}

func TestApply_UncheckedEmptyPasswordStaysDisabled(t *testing.T) {
	sel := keysource.NewSelector(keysource.Defaults{Password: true})
	v := &formValues{keyChoice: keysource.NoKeyFile, osAccount: true}

	apply(sel, v, Options{})

	assert.False(t, sel.IsEnabled(keysource.Password))
	assert.True(t, sel.IsEnabled(keysource.OSAccount))
}

func TestNotice(t *testing.T) {
	assert.Empty(t, Notice(nil))
	assert.Equal(t, "plain", Notice(errors.New("plain")))

	n := Notice(keyerr.NoSourceSelected())
	assert.Contains(t, n, "KEY-001")
	assert.Contains(t, n, keyerr.KindNoSourceSelected.Hint())
}

func TestHelpText_ListsProviders(t *testing.T) {
	text := HelpText(Options{Providers: []ProviderInfo{{Name: shamirName, InputLabel: "Shares"}}})
	assert.Contains(t, text, shamirName)
	assert.Contains(t, text, "OS account")
}
