package desktop

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-secure-stdlib/mlock"
	"golang.org/x/term"

	"github.com/armorclaw/keyguard/pkg/logger"
)

// Desktop is an isolated execution context. Enter is called on the
// session's locked OS thread before the dialog starts; the returned leave
// function is called on the same thread after the dialog returns.
type Desktop interface {
	Enter(ctx context.Context) (leave func() error, err error)
}

// Alternate screen escape sequences. Output written while the alternate
// screen is active is discarded when it is left and never reaches the
// terminal's scrollback.
const (
	enterAltScreen = "\x1b[?1049h\x1b[H\x1b[2J"
	leaveAltScreen = "\x1b[2J\x1b[?1049l"
)

// TerminalDesktop isolates the dialog on a terminal. It locks process
// memory when supported so typed secrets cannot be swapped out, and moves
// the dialog to the alternate screen when Screen is a terminal.
type TerminalDesktop struct {
	// LockMemory locks all process memory on first entry
	LockMemory bool

	// Screen is the terminal the dialog draws on; nil disables the
	// alternate screen
	Screen *os.File

	log        *logger.Logger
	lockOnce   sync.Once
	lockErr    error
	lockedHeld bool
}

// NewTerminalDesktop creates a terminal desktop
func NewTerminalDesktop(lockMemory bool, screen *os.File, log *logger.Logger) *TerminalDesktop {
	if log == nil {
		log = logger.Global()
	}
	return &TerminalDesktop{
		LockMemory: lockMemory,
		Screen:     screen,
		log:        log.WithComponent("desktop"),
	}
}

// MemoryLocked reports whether process memory has been locked
func (d *TerminalDesktop) MemoryLocked() bool {
	return d.lockedHeld
}

// Enter implements Desktop
func (d *TerminalDesktop) Enter(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.LockMemory {
		d.lockOnce.Do(func() {
			if !mlock.Supported() {
				d.log.Warn("memory locking is not supported on this platform")
				return
			}
			if err := mlock.LockMemory(); err != nil {
				d.lockErr = err
				return
			}
			d.lockedHeld = true
		})
		if d.lockErr != nil {
			// Isolation still holds without mlock; secrets may reach swap
			d.log.Warn("failed to lock memory", "error", d.lockErr)
		}
	}

	var screen io.Writer
	if d.Screen != nil && term.IsTerminal(int(d.Screen.Fd())) {
		screen = d.Screen
		if _, err := io.WriteString(screen, enterAltScreen); err != nil {
			return nil, fmt.Errorf("failed to enter alternate screen: %w", err)
		}
	}

	return func() error {
		if screen == nil {
			return nil
		}
		_, err := io.WriteString(screen, leaveAltScreen)
		return err
	}, nil
}

// nopDesktop isolates nothing. It is used where no terminal is present.
type nopDesktop struct{}

func (nopDesktop) Enter(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}

// NopDesktop returns a Desktop that performs no isolation steps
func NopDesktop() Desktop { return nopDesktop{} }
