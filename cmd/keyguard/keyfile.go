package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/armorclaw/keyguard/pkg/config"
	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/keyfile"
	"github.com/armorclaw/keyguard/pkg/logger"
	"github.com/armorclaw/keyguard/pkg/metrics"
)

func (c *cli) runKeyFile(ctx context.Context, args []string) int {
	if len(args) == 0 {
		c.printCommandHelp("keyfile")
		return exitError
	}
	switch args[0] {
	case "new":
		return c.runKeyFileNew(ctx, args[1:])
	case "print":
		return c.runKeyFilePrint(args[1:])
	case "recreate":
		return c.runKeyFileRecreate(ctx, args[1:])
	default:
		fmt.Fprintf(c.stderr, "Unknown keyfile command: %s\n\n", args[0])
		c.printCommandHelp("keyfile")
		return exitError
	}
}

// keyFileMetrics returns a metrics recorder when a textfile is configured,
// and the function that writes it
func keyFileMetrics(cfg *config.Config) (*metrics.Metrics, func()) {
	if cfg.Metrics.Textfile == "" {
		return nil, func() {}
	}
	m := metrics.New()
	return m, func() {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
}

func (c *cli) checkOverwrite(path string, force bool) error {
	if force {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; use -force to replace it", path)
	}
	return nil
}

func (c *cli) runKeyFileNew(ctx context.Context, args []string) int {
	fs, configPath := c.newFlagSet("keyfile new")
	out := fs.String("out", "", "Path of the new key file")
	format := fs.String("format", "", "Key file format: 2.0 or 1.00 (default from config)")
	force := fs.Bool("force", false, "Replace an existing file")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *out == "" {
		return c.fail(errors.New("-out is required"))
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	if *format != "" {
		cfg.KeyFile.DefaultFormat = *format
	}
	version, err := cfg.KeyFileFormat()
	if err != nil {
		return c.fail(err)
	}
	if err := c.checkOverwrite(*out, *force); err != nil {
		return c.fail(err)
	}

	m, flush := keyFileMetrics(cfg)
	defer flush()

	kf, err := keyfile.CreateNew(version)
	if err != nil {
		return c.fail(err)
	}
	defer kf.Destroy()

	if err := keyfile.Save(kf, *out); err != nil {
		return c.fail(err)
	}
	logger.NewSecurityLogger(nil).LogKeyFileCreated(ctx, *out, version.String())
	m.RecordKeyFile("created")

	fmt.Fprintf(c.stderr, "Key file written to %s\n", *out)
	fmt.Fprintln(c.stdout, keyfile.BackupText(kf))
	return exitOK
}

func (c *cli) runKeyFilePrint(args []string) int {
	fs := flag.NewFlagSet("keyfile print", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	in := fs.String("in", "", "Key file to print")
	qrPath := fs.String("qr", "", "Also write the backup as a PNG QR code to this path")
	qrSize := fs.Int("qr-size", keyfile.DefaultQRSize, "QR code size in pixels")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *in == "" {
		return c.fail(errors.New("-in is required"))
	}

	kf, err := keyfile.Load(*in)
	if err != nil {
		return c.fail(err)
	}
	defer kf.Destroy()

	fmt.Fprintln(c.stdout, keyfile.BackupText(kf))

	if *qrPath != "" {
		png, err := keyfile.BackupQR(kf, *qrSize)
		if err != nil {
			return c.fail(err)
		}
		if err := os.WriteFile(*qrPath, png, 0600); err != nil {
			return c.fail(fmt.Errorf("failed to write QR code: %w", err))
		}
		fmt.Fprintf(c.stderr, "QR code written to %s\n", *qrPath)
	}
	return exitOK
}

func (c *cli) runKeyFileRecreate(ctx context.Context, args []string) int {
	fs, configPath := c.newFlagSet("keyfile recreate")
	out := fs.String("out", "", "Path of the recreated key file")
	format := fs.String("format", "", "Format printed on the backup sheet: 2.0 or 1.00")
	hash := fs.String("hash", "", "Hash printed on the backup sheet")
	payload := fs.String("payload", "", "Backup payload scanned from the QR code")
	force := fs.Bool("force", false, "Replace an existing file")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *out == "" {
		return c.fail(errors.New("-out is required"))
	}
	if *payload == "" && *format == "" {
		return c.fail(errors.New("-format is required unless -payload is given"))
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return c.fail(err)
	}
	if err := c.checkOverwrite(*out, *force); err != nil {
		return c.fail(err)
	}

	m, flush := keyFileMetrics(cfg)
	defer flush()

	var kf *keyfile.Container
	if *payload != "" {
		kf, err = keyfile.RecreateFromPayload(*payload)
	} else {
		var version keyfile.FormatVersion
		version, err = keyfile.ParseFormatVersion(*format)
		if err != nil {
			return c.fail(err)
		}
		var text string
		text, err = readBackupText(c.stdin)
		if err != nil {
			return c.fail(err)
		}
		kf, err = keyfile.RecreateFromBackup(version, text, *hash)
	}
	if err != nil {
		if keyerr.KindOf(err) == keyerr.KindIntegrityMismatch {
			logger.NewSecurityLogger(nil).LogIntegrityMismatch(ctx, *out)
			fmt.Fprintln(c.stderr, "The transcribed key data does not match the hash on the backup sheet.")
		}
		return c.fail(err)
	}
	defer kf.Destroy()

	if err := keyfile.Save(kf, *out); err != nil {
		return c.fail(err)
	}
	logger.NewSecurityLogger(nil).LogKeyFileRecreated(ctx, *out, kf.Version.String())
	m.RecordKeyFile("recreated")

	fmt.Fprintf(c.stdout, "Key file recreated at %s (hash %s)\n", *out, kf.HashText())
	return exitOK
}

// readBackupText reads the transcribed key data. Lines starting with '#'
// are ignored so the sheet's labels can be kept in the input.
func readBackupText(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, keyfile.MaxFileSize))
	if err != nil {
		return "", fmt.Errorf("failed to read key data: %w", err)
	}
	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("no key data on stdin")
	}
	return text, nil
}
