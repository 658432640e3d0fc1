package keyfile

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/armorclaw/keyguard/pkg/keyerr"
	"github.com/armorclaw/keyguard/pkg/protect"
)

// MaxFileSize bounds the size of a key file read into memory
const MaxFileSize = 1 << 20

type xmlKeyFile struct {
	XMLName xml.Name `xml:"KeyFile"`
	Meta    struct {
		Version string `xml:"Version"`
	} `xml:"Meta"`
	Key struct {
		Data *xmlData `xml:"Data"`
	} `xml:"Key"`
}

type xmlData struct {
	Hash  string `xml:"Hash,attr"`
	Value string `xml:",chardata"`
}

// Load reads a key file container from path.
// Missing or unreadable files fail with NotFound; anything that is not a
// well-formed container fails with MalformedContainer. A V2 file whose hash
// does not match its data fails with IntegrityMismatch.
func Load(path string) (*Container, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}
	defer protect.Wipe(data)

	c, err := Parse(data)
	if err != nil {
		var ke *keyerr.KeyError
		if errors.As(err, &ke) && ke.Path == "" {
			ke.Path = path
		}
		return nil, err
	}
	return c, nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, keyerr.NotFound(path, err)
	}
	if info.IsDir() {
		return nil, keyerr.NotFound(path, fmt.Errorf("%s is a directory", path))
	}
	if info.Size() > MaxFileSize {
		return nil, keyerr.MalformedContainer(path, "file too large for a key file", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, keyerr.NotFound(path, err)
	}
	return data, nil
}

// Parse decodes a key file container from its XML form
func Parse(data []byte) (*Container, error) {
	var doc xmlKeyFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, keyerr.MalformedContainer("", "not a key file XML document", err)
	}

	version, err := ParseFormatVersion(doc.Meta.Version)
	if err != nil {
		return nil, keyerr.MalformedContainer("", "unsupported key file version", err)
	}
	if doc.Key.Data == nil {
		return nil, keyerr.MalformedContainer("", "missing <Key><Data> element", nil)
	}

	key, err := decodeKeyText(version, doc.Key.Data.Value)
	if err != nil {
		return nil, err
	}
	c := &Container{Version: version, Key: key}

	if version == FormatV2 {
		expected := normalizeHex(doc.Key.Data.Hash)
		if expected == "" {
			c.Destroy()
			return nil, keyerr.MalformedContainer("", "missing Hash attribute", nil)
		}
		if actual := c.HashText(); expected != actual {
			c.Destroy()
			return nil, keyerr.IntegrityMismatch(expected, actual)
		}
	}
	return c, nil
}

// Marshal encodes c in its XML form
func Marshal(c *Container) ([]byte, error) {
	if c == nil || len(c.Key) != KeySize {
		return nil, keyerr.MalformedContainer("", fmt.Sprintf("key data must be %d bytes", KeySize), nil)
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<KeyFile>\n")
	b.WriteString("\t<Meta>\n")
	fmt.Fprintf(&b, "\t\t<Version>%s</Version>\n", c.Version)
	b.WriteString("\t</Meta>\n")
	b.WriteString("\t<Key>\n")

	switch c.Version {
	case FormatV2:
		fmt.Fprintf(&b, "\t\t<Data Hash=\"%s\">\n", c.HashText())
		for _, line := range hexLines(c.Key) {
			b.WriteString("\t\t\t" + line + "\n")
		}
		b.WriteString("\t\t</Data>\n")
	case FormatV1:
		fmt.Fprintf(&b, "\t\t<Data>%s</Data>\n", c.KeyText())
	default:
		return nil, keyerr.MalformedContainer("", fmt.Sprintf("unsupported key file format %s", c.Version), nil)
	}

	b.WriteString("\t</Key>\n")
	b.WriteString("</KeyFile>\n")
	return b.Bytes(), nil
}

// Save writes c to path. The file is written to a temporary sibling and
// renamed into place so a failed write never leaves a truncated key file.
func Save(c *Container, path string) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	defer protect.Wipe(data)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set key file permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move key file into place: %w", err)
	}
	return nil
}

// Exists reports whether path names a regular file
func Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
