package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/password"
	"golang.org/x/term"

	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/keysource"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// LineDialog is a plain line-oriented dialog for terminals without full
// screen support and for piped input. Secrets are read without echo when
// In is a terminal.
type LineDialog struct {
	In  io.Reader
	Out io.Writer

	// HelpOut receives deferred help text; defaults to Out
	HelpOut io.Writer
}

// NewLineDialog creates a line dialog on the process's standard streams
func NewLineDialog() *LineDialog {
	return &LineDialog{In: os.Stdin, Out: os.Stderr, HelpOut: os.Stdout}
}

var errInterrupted = errors.New("input interrupted")

// Collect implements Dialog
func (d *LineDialog) Collect(ctx context.Context, s *desktop.Session, sel *keysource.Selector, opts Options) (Choice, error) {
	choice, err := d.collect(ctx, s, sel, opts)
	if err != nil || choice != ChoiceAccept {
		sel.Discard()
	}
	if errors.Is(err, errInterrupted) || errors.Is(err, io.EOF) {
		return ChoiceCancel, nil
	}
	return choice, err
}

func (d *LineDialog) collect(ctx context.Context, s *desktop.Session, sel *keysource.Selector, opts Options) (Choice, error) {
	title := "Unlock"
	if opts.CreateMode {
		title = "Create composite key for"
	}
	d.printf("%s %s\n", title, opts.ContextPath)
	if opts.Notice != "" {
		d.printf("! %s\n", strings.ReplaceAll(opts.Notice, "\n", "\n  "))
	}

	if err := ctx.Err(); err != nil {
		return ChoiceCancel, err
	}

	usePassword, err := d.yesNo("Use a password?", sel.IsEnabled(keysource.Password))
	if err != nil {
		return ChoiceCancel, err
	}
	sel.SetEnabled(keysource.Password, usePassword)
	if usePassword {
		pw, err := d.secret("Password: ")
		if err != nil {
			return ChoiceCancel, err
		}
		sel.SetPassword(pw)
		if opts.CreateMode {
			repeat, err := d.secret("Repeat password: ")
			if err != nil {
				return ChoiceCancel, err
			}
			sel.SetPasswordRepeat(repeat)
		}
	}

	if err := d.selectKeyFile(sel, opts); err != nil {
		return ChoiceCancel, err
	}

	useAccount, err := d.yesNo("Use the OS account?", sel.IsEnabled(keysource.OSAccount))
	if err != nil {
		return ChoiceCancel, err
	}
	sel.SetEnabled(keysource.OSAccount, useAccount)

	choices := "[A]ccept, [h]elp, [c]ancel"
	if opts.AllowExit {
		choices += ", e[x]it"
	}
	for {
		answer, err := d.line(choices + ": ")
		if err != nil {
			return ChoiceCancel, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "", "a", "accept":
			return ChoiceAccept, nil
		case "h", "help":
			if err := deferHelp(s, d.helpOut(), opts); err != nil {
				return ChoiceCancel, err
			}
			d.printf("Help will be shown when the dialog closes.\n")
		case "c", "cancel":
			return ChoiceCancel, nil
		case "x", "exit":
			if opts.AllowExit {
				return ChoiceExit, nil
			}
			d.printf("Exit is not available here.\n")
		default:
			d.printf("Unknown choice %q.\n", answer)
		}
	}
}

// selectKeyFile reads a key file path, a provider name or number, "-" for
// none, or an empty line to keep the current selection
func (d *LineDialog) selectKeyFile(sel *keysource.Selector, opts Options) error {
	if len(opts.Providers) > 0 {
		d.printf("Key providers:\n")
		for i, p := range opts.Providers {
			d.printf("  %d) %s\n", i+1, p.Name)
		}
	}

	answer, err := d.line(fmt.Sprintf("Key file or provider [%s]: ", sel.KeyFile()))
	if err != nil {
		return err
	}
	answer = strings.TrimSpace(answer)
	switch {
	case answer == "":
	case answer == "-":
		sel.SetKeyFile(keysource.NoKeyFile)
	default:
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(opts.Providers) {
			answer = opts.Providers[n-1].Name
		}
		sel.SetKeyFile(answer)
	}

	if p, ok := opts.provider(sel.KeyFile()); ok && p.InputLabel != "" {
		input, err := d.secret(p.InputLabel + ": ")
		if err != nil {
			return err
		}
		sel.SetProviderInput(input)
	}
	return nil
}

// Confirm implements Dialog
func (d *LineDialog) Confirm(ctx context.Context, _ *desktop.Session, title, description string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if description != "" {
		d.printf("%s\n", description)
	}
	ok, err := d.yesNo(title, false)
	if errors.Is(err, errInterrupted) || errors.Is(err, io.EOF) {
		return false, nil
	}
	return ok, err
}

func (d *LineDialog) yesNo(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		answer, err := d.line(question + " " + hint + " ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// secret reads a line without echo when possible
func (d *LineDialog) secret(label string) (*protect.String, error) {
	d.printf("%s", label)
	if f, ok := d.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		value, err := password.Read(f)
		d.printf("\n")
		if errors.Is(err, password.ErrInterrupted) {
			return nil, errInterrupted
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read secret: %w", err)
		}
		return protect.NewString(value), nil
	}

	raw, err := readLine(d.In)
	if err != nil {
		protect.Wipe(raw)
		return nil, err
	}
	return protect.NewStringFromBytes(raw), nil
}

func (d *LineDialog) line(label string) (string, error) {
	d.printf("%s", label)
	raw, err := readLine(d.In)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (d *LineDialog) printf(format string, args ...any) {
	if d.Out != nil {
		fmt.Fprintf(d.Out, format, args...)
	}
}

func (d *LineDialog) helpOut() io.Writer {
	if d.HelpOut != nil {
		return d.HelpOut
	}
	if d.Out != nil {
		return d.Out
	}
	return io.Discard
}

// readLine reads up to and excluding '\n' one byte at a time, so nothing
// past the line is consumed from r. A trailing '\r' is dropped. io.EOF is
// returned only when no byte was read. The line may be a secret, so every
// buffer it outgrows is wiped.
func readLine(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, io.EOF
	}
	var (
		line []byte
		buf  [1]byte
	)
	defer protect.Wipe(buf[:])
	for {
		n, err := r.Read(buf[:])
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			line = appendWiped(line, buf[0])
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return line, err
		}
	}
	if l := len(line); l > 0 && line[l-1] == '\r' {
		line[l-1] = 0
		line = line[:l-1]
	}
	return line, nil
}

// appendWiped appends b to line. When line is full it moves to a larger
// buffer and wipes the old one.
func appendWiped(line []byte, b byte) []byte {
	if len(line) == cap(line) {
		grown := make([]byte, len(line), 2*cap(line)+64)
		copy(grown, line)
		protect.Wipe(line)
		line = grown
	}
	return append(line, b)
}
