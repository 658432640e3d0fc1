package keyfile

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/skip2/go-qrcode"

	"github.com/armorclaw/keyguard/pkg/keyerr"
)

// PayloadPrefix starts every QR backup payload
const PayloadPrefix = "keyguard-keyfile"

// DefaultQRSize is the default QR image edge length in pixels
const DefaultQRSize = 256

var (
	sheetStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Faint(true)
)

// BackupText renders a printable backup sheet for c. The sheet holds the
// format, the integrity hash and the key data in the format's text form.
func BackupText(c *Container) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Key File Backup"))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Format: "))
	b.WriteString(c.Version.String())
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Hash:   "))
	b.WriteString(c.HashText())
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Key data:"))
	b.WriteString("\n")
	b.WriteString(c.KeyText())
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Keep this sheet in a safe place. Anyone holding it can recreate the key file."))
	return sheetStyle.Render(b.String())
}

// BackupPayload returns the single-line form of a backup, as stored in the
// QR code: keyguard-keyfile:<version>:<key text>:<hash>
func BackupPayload(c *Container) string {
	return fmt.Sprintf("%s:%s:%s:%s", PayloadPrefix, c.Version, stripSpace(c.KeyText()), c.HashText())
}

// BackupQR renders the backup payload as a PNG QR code
func BackupQR(c *Container, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(BackupPayload(c), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	return png, nil
}

// ParseBackupPayload splits a backup payload into its parts
func ParseBackupPayload(payload string) (version FormatVersion, keyText, hashText string, err error) {
	parts := strings.Split(strings.TrimSpace(payload), ":")
	if len(parts) != 4 || parts[0] != PayloadPrefix {
		return FormatUnknown, "", "", keyerr.MalformedContainer("", "not a key file backup payload", nil)
	}
	version, err = ParseFormatVersion(parts[1])
	if err != nil {
		return FormatUnknown, "", "", keyerr.MalformedContainer("", "unsupported backup version", err)
	}
	return version, parts[2], parts[3], nil
}

// RecreateFromPayload parses a backup payload and rebuilds the container,
// verifying the embedded hash
func RecreateFromPayload(payload string) (*Container, error) {
	version, keyText, hashText, err := ParseBackupPayload(payload)
	if err != nil {
		return nil, err
	}
	return RecreateFromBackup(version, keyText, hashText)
}
