package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/protect"
)

const (
	actionAccept = "accept"
	actionHelp   = "help"
	actionCancel = "cancel"
	actionExit   = "exit"

	// otherKeyFile is the select value that reveals the path input
	otherKeyFile = "\x00path"
)

// FormDialog is the full-screen dialog built on huh forms
type FormDialog struct {
	In  io.Reader
	Out io.Writer

	// HelpOut receives deferred help text
	HelpOut io.Writer

	// Accessible switches huh to its line-based accessible mode
	Accessible bool
}

// NewFormDialog creates a form dialog on the process's standard streams
func NewFormDialog() *FormDialog {
	return &FormDialog{In: os.Stdin, Out: os.Stderr, HelpOut: os.Stdout}
}

// formValues holds the raw field values of one form run
type formValues struct {
	usePassword bool
	password    string
	repeat      string
	keyChoice   string
	keyPath     string
	providerIn  string
	osAccount   bool
	action      string
}

// Collect implements Dialog. The form is shown again after the user asks
// for help; the help text itself is deferred to the normal terminal.
func (d *FormDialog) Collect(ctx context.Context, s *desktop.Session, sel *keysource.Selector, opts Options) (Choice, error) {
	v := formValues{
		usePassword: sel.IsEnabled(keysource.Password),
		osAccount:   sel.IsEnabled(keysource.OSAccount),
		keyChoice:   initialKeyChoice(sel.KeyFile(), opts),
		action:      actionAccept,
	}
	if v.keyChoice == otherKeyFile {
		v.keyPath = sel.KeyFile()
	}

	for {
		err := d.form(&v, opts).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) {
			sel.Discard()
			return ChoiceCancel, nil
		}
		if err != nil {
			sel.Discard()
			return ChoiceCancel, fmt.Errorf("credential dialog failed: %w", err)
		}

		switch v.action {
		case actionHelp:
			if err := deferHelp(s, d.helpOut(), opts); err != nil {
				sel.Discard()
				return ChoiceCancel, err
			}
			opts.Notice = "Help will be shown when the dialog closes."
			v.action = actionAccept
			continue
		case actionCancel:
			sel.Discard()
			return ChoiceCancel, nil
		case actionExit:
			sel.Discard()
			return ChoiceExit, nil
		}

		apply(sel, &v, opts)
		return ChoiceAccept, nil
	}
}

// apply moves the form values into the selector
func apply(sel *keysource.Selector, v *formValues, opts Options) {
	if v.password != "" {
		sel.SetPassword(protect.NewString(v.password))
		v.usePassword = sel.IsEnabled(keysource.Password)
	} else {
		sel.SetEnabled(keysource.Password, v.usePassword)
		if v.usePassword {
			sel.SetPassword(protect.NewString(""))
		}
	}
	if v.usePassword && opts.CreateMode {
		sel.SetPasswordRepeat(protect.NewString(v.repeat))
	}
	v.password, v.repeat = "", ""

	switch v.keyChoice {
	case otherKeyFile:
		sel.SetKeyFile(v.keyPath)
	default:
		sel.SetKeyFile(v.keyChoice)
	}
	if p, ok := opts.provider(sel.KeyFile()); ok && p.InputLabel != "" {
		sel.SetProviderInput(protect.NewString(v.providerIn))
	}
	v.providerIn = ""

	sel.SetEnabled(keysource.OSAccount, v.osAccount)
}

func (d *FormDialog) form(v *formValues, opts Options) *huh.Form {
	title := "Unlock " + opts.ContextPath
	if opts.CreateMode {
		title = "Create composite key for " + opts.ContextPath
	}

	header := huh.NewNote().Title(title)
	if opts.Notice != "" {
		header = header.Description(opts.Notice)
	}

	passwordFields := []huh.Field{
		header,
		huh.NewConfirm().
			Title("Use a password?").
			Value(&v.usePassword),
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&v.password),
	}
	if opts.CreateMode {
		passwordFields = append(passwordFields, huh.NewInput().
			Title("Repeat password").
			EchoMode(huh.EchoModePassword).
			Value(&v.repeat).
			Validate(func(repeat string) error {
				if (v.usePassword || v.password != "") && repeat != v.password {
					return keysource.ErrPasswordMismatch
				}
				return nil
			}))
	}

	groups := []*huh.Group{
		huh.NewGroup(passwordFields...),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Key file or provider").
				Options(keyFileOptions(v.keyChoice, v.keyPath, opts)...).
				Value(&v.keyChoice),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Key file path").
				Value(&v.keyPath).
				Validate(func(path string) error {
					if strings.TrimSpace(path) == "" {
						return errors.New("enter a path or choose another option")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return v.keyChoice != otherKeyFile }),
	}

	for _, p := range opts.Providers {
		if p.InputLabel == "" {
			continue
		}
		name := p.Name
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title(p.InputLabel).
				EchoMode(huh.EchoModePassword).
				Value(&v.providerIn),
		).WithHideFunc(func() bool { return v.keyChoice != name }))
	}

	actions := []huh.Option[string]{
		huh.NewOption("Accept", actionAccept),
		huh.NewOption("Show help", actionHelp),
		huh.NewOption("Cancel", actionCancel),
	}
	if opts.AllowExit {
		actions = append(actions, huh.NewOption("Exit application", actionExit))
	}
	groups = append(groups, huh.NewGroup(
		huh.NewConfirm().
			Title("Use the OS account?").
			Value(&v.osAccount),
		huh.NewSelect[string]().
			Title("Action").
			Options(actions...).
			Value(&v.action),
	))

	in, out := d.streams()
	return huh.NewForm(groups...).
		WithInput(in).
		WithOutput(out).
		WithAccessible(d.Accessible)
}

// keyFileOptions lists the placeholder, the registered providers and a
// free path entry. A current path is offered as its own option.
func keyFileOptions(choice, path string, opts Options) []huh.Option[string] {
	options := []huh.Option[string]{huh.NewOption("(None)", keysource.NoKeyFile)}
	for _, p := range opts.Providers {
		options = append(options, huh.NewOption("Provider: "+p.Name, p.Name))
	}
	label := "Key file..."
	if choice == otherKeyFile && path != "" {
		label = "Key file: " + path
	}
	return append(options, huh.NewOption(label, otherKeyFile))
}

func initialKeyChoice(current string, opts Options) string {
	if keysource.IsPlaceholder(current) {
		return keysource.NoKeyFile
	}
	if _, ok := opts.provider(current); ok {
		return current
	}
	return otherKeyFile
}

// Confirm implements Dialog
func (d *FormDialog) Confirm(ctx context.Context, _ *desktop.Session, title, description string) (bool, error) {
	var ok bool
	confirm := huh.NewConfirm().Title(title).Value(&ok)
	if description != "" {
		confirm = confirm.Description(description)
	}
	in, out := d.streams()
	err := huh.NewForm(huh.NewGroup(confirm)).
		WithInput(in).
		WithOutput(out).
		WithAccessible(d.Accessible).
		RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func (d *FormDialog) streams() (io.Reader, io.Writer) {
	in, out := d.In, d.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return in, out
}

func (d *FormDialog) helpOut() io.Writer {
	if d.HelpOut != nil {
		return d.HelpOut
	}
	_, out := d.streams()
	return out
}
