// keyguard - composite key unlock tool
//
// keyguard collects the key sources of a database (password, key file,
// OS account, key providers), optionally in an isolated terminal session,
// combines them into a composite key and opens an encrypted vault with it.
// It also creates, prints and recreates key files from paper backups.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/armorclaw/keyguard/pkg/config"
	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/logger"
)

var (
	version   = "0.3.0"
	buildTime = "unknown"
)

// Exit codes
const (
	exitOK        = 0
	exitError     = 1
	exitCancelled = 2
	exitExited    = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli carries the process streams through the commands
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	if len(args) == 0 {
		c.printHelp()
		return exitError
	}

	command, rest := args[0], args[1:]
	switch command {
	case "unlock":
		return c.runUnlock(ctx, rest)
	case "create":
		return c.runCreate(ctx, rest)
	case "keyfile":
		return c.runKeyFile(ctx, rest)
	case "providers":
		return c.runProviders(ctx, rest)
	case "config":
		return c.runConfig(rest)
	case "version", "-version", "--version":
		c.printVersion()
		return exitOK
	case "help", "-h", "-help", "--help":
		if len(rest) > 0 {
			c.printCommandHelp(rest[0])
		} else {
			c.printHelp()
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		c.printHelp()
		return exitError
	}
}

// newFlagSet creates a subcommand flag set writing usage to stderr
func (c *cli) newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	return fs, configPath
}

// loadConfig loads configuration and initializes logging from it
func (c *cli) loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.LogOutput()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
}

// fail prints err with the remedy for key errors and returns exitError
func (c *cli) fail(err error) int {
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
	var ke *keyerr.KeyError
	if errors.As(err, &ke) && ke.Hint() != "" {
		fmt.Fprintf(c.stderr, "Hint: %s\n", ke.Hint())
	}
	return exitError
}

func (c *cli) runConfig(args []string) int {
	if len(args) == 0 {
		c.printCommandHelp("config")
		return exitError
	}
	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("config init", flag.ContinueOnError)
		fs.SetOutput(c.stderr)
		out := fs.String("out", config.ConfigPaths()[1], "Output path for the example configuration")
		if err := fs.Parse(args[1:]); err != nil {
			return exitError
		}
		if err := config.GenerateExampleConfig(*out); err != nil {
			return c.fail(fmt.Errorf("failed to generate example config: %w", err))
		}
		fmt.Fprintf(c.stdout, "Example configuration written to: %s\n", *out)
		return exitOK
	case "validate":
		fs, configPath := c.newFlagSet("config validate")
		if err := fs.Parse(args[1:]); err != nil {
			return exitError
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			return c.fail(err)
		}
		fmt.Fprintln(c.stdout, "Configuration is valid")
		fmt.Fprintf(c.stdout, "  Secure desktop: %v\n", cfg.Desktop.Secure)
		fmt.Fprintf(c.stdout, "  History:        %s\n", cfg.Sources.HistoryDB)
		fmt.Fprintf(c.stdout, "  File rules:     %d\n", len(cfg.Files))
		return exitOK
	default:
		c.printCommandHelp("config")
		return exitError
	}
}

func (c *cli) printVersion() {
	fmt.Fprintf(c.stdout, "keyguard v%s\n", version)
	fmt.Fprintf(c.stdout, "Build time: %s\n", buildTime)
}

func (c *cli) printHelp() {
	helpText := `USAGE:
    keyguard <command> [flags]

COMMANDS:
    unlock      Prompt for key sources and open a vault
    create      Define the key sources of a new vault
    keyfile     Create, print or recreate key files
    providers   List registered key providers
    config      Generate or validate the configuration file
    version     Show version information
    help        Show this help message

EXIT CODES:
    0  success
    1  error
    2  cancelled by the user
    3  exit requested from the dialog

Run 'keyguard help <command>' for command flags.
`
	fmt.Fprint(c.stderr, helpText)
}

func (c *cli) printCommandHelp(command string) {
	var text string
	switch command {
	case "unlock":
		text = `USAGE:
    keyguard unlock -db PATH [-secure] [-allow-exit] [-plain] [-skip-provider NAMES] [-config PATH]
    keyguard unlock -db PATH -get NAME
    keyguard unlock -db PATH -set NAME -from FILE
    keyguard unlock -db PATH -delete NAME

Prompts for the key sources of PATH, builds the composite key and opens the
vault. Without an entry flag the entry names are listed.
`
	case "create":
		text = `USAGE:
    keyguard create -db PATH [-secure] [-plain] [-skip-provider NAMES] [-config PATH]

Prompts for the key sources of a new vault and creates it. The password
must be entered twice.
`
	case "keyfile":
		text = `USAGE:
    keyguard keyfile new -out PATH [-format 2.0|1.00] [-force]
    keyguard keyfile print -in PATH [-qr PNG] [-qr-size N]
    keyguard keyfile recreate -out PATH -format F [-hash H] [-force] < data.txt
    keyguard keyfile recreate -out PATH -payload 'keyguard-keyfile:...'

recreate reads the transcribed key data from stdin. Whitespace is ignored
and hex data is case-insensitive. When a hash is given it must match.
`
	case "providers":
		text = `USAGE:
    keyguard providers [-skip-provider NAMES] [-config PATH]
    keyguard providers split-shares [-parts N] [-threshold T]

Lists the key providers enabled in the configuration, in the order their
keys are mixed into a composite key. split-shares prints the shares of a
new random key for the Shamir provider, one per line.
`
	case "config":
		text = `USAGE:
    keyguard config init [-out PATH]
    keyguard config validate [-config PATH]
`
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n\n", command)
		c.printHelp()
		return
	}
	fmt.Fprint(c.stderr, text)
}
