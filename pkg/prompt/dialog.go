// Package prompt implements the credential dialog that fills a key source
// selector. Dialogs run inside a desktop session; anything that has to
// reach the normal terminal, such as the help text, is deferred through the
// session.
package prompt

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/armorclaw/keyguard/pkg/desktop"
	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keyprovider"
	"github.com/armorclaw/keyguard/pkg/keysource"
)

// Choice is how the user closed the dialog
type Choice int

const (
	ChoiceAccept Choice = iota
	ChoiceCancel
	ChoiceExit
)

func (c Choice) String() string {
	switch c {
	case ChoiceAccept:
		return "accept"
	case ChoiceCancel:
		return "cancel"
	case ChoiceExit:
		return "exit"
	default:
		return fmt.Sprintf("choice(%d)", int(c))
	}
}

// ProviderInfo describes a registered key provider to the dialog
type ProviderInfo struct {
	Name string

	// InputLabel is empty when the provider needs no input
	InputLabel string
}

// ProvidersFrom lists the registry's providers in registration order
func ProvidersFrom(reg *keyprovider.Registry) []ProviderInfo {
	if reg == nil {
		return nil
	}
	var infos []ProviderInfo
	for _, name := range reg.List() {
		info := ProviderInfo{Name: name}
		if p, ok := reg.Lookup(name); ok {
			if d, ok := p.(keyprovider.InputDescriber); ok {
				info.InputLabel = d.InputLabel()
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Options describes one dialog
type Options struct {
	ContextPath string
	CreateMode  bool

	// AllowExit offers an "exit application" choice
	AllowExit bool

	Providers []ProviderInfo

	// Notice is shown above the inputs, typically the error from the
	// previous attempt
	Notice string
}

func (o Options) provider(name string) (ProviderInfo, bool) {
	for _, p := range o.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderInfo{}, false
}

// Dialog collects key source input into a selector
type Dialog interface {
	// Collect updates sel from user input. On ChoiceAccept the selector
	// holds the user's selection; on any other choice its secrets have been
	// discarded.
	Collect(ctx context.Context, s *desktop.Session, sel *keysource.Selector, opts Options) (Choice, error)

	// Confirm asks a yes/no question
	Confirm(ctx context.Context, s *desktop.Session, title, description string) (bool, error)
}

// Notice formats an error for Options.Notice, including the remedy for
// key errors
func Notice(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(err.Error())
	if kind := keyerr.KindOf(err); kind != keyerr.KindUnknown {
		b.WriteString("\n")
		b.WriteString(kind.Hint())
	}
	return b.String()
}

var (
	helpTitle = lipgloss.NewStyle().Bold(true)
	helpBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// HelpText describes the key sources offered by the dialog
func HelpText(opts Options) string {
	var b strings.Builder
	b.WriteString(helpTitle.Render("Composite key sources"))
	b.WriteString("\n\n")
	b.WriteString("Password     text you type; leave it blank with the password\n")
	b.WriteString("             source enabled to use an empty password\n")
	b.WriteString("Key file     a file whose contents become part of the key\n")
	b.WriteString("OS account   a secret bound to your operating system account\n")
	if len(opts.Providers) > 0 {
		b.WriteString("\nKey providers (select them in the key file field):\n")
		for _, p := range opts.Providers {
			b.WriteString("  " + p.Name)
			if p.InputLabel != "" {
				b.WriteString(" - " + p.InputLabel)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nEvery source you enable is required to unlock the database.")
	return helpBox.Render(b.String()) + "\n"
}

// deferHelp schedules the help text for the normal terminal
func deferHelp(s *desktop.Session, w io.Writer, opts Options) error {
	text := HelpText(opts)
	return s.Defer("show help", func(context.Context) error {
		_, err := io.WriteString(w, text)
		return err
	})
}
