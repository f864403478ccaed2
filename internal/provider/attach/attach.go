// Package attach extracts attachment parts from raw RFC 5322 messages.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Extract walks the MIME structure of a raw message and writes each
// attachment part into dir, applying the optional rename pattern.
// Returns the number of files written.
func Extract(raw []byte, dir, renamePattern string) (int, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating attachment dir: %w", err)
	}

	saved := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return saved, fmt.Errorf("reading part: %w", err)
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		name, err := header.Filename()
		if err != nil || name == "" {
			name = fmt.Sprintf("attachment-%d", saved+1)
		}
		name = applyRename(renamePattern, name)

		if err := writeFile(filepath.Join(dir, filepath.Base(name)), part.Body); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// applyRename expands {name}, {ext}, and {date} in the pattern. An
// empty pattern keeps the original filename.
func applyRename(pattern, original string) string {
	if pattern == "" {
		return original
	}
	ext := filepath.Ext(original)
	base := strings.TrimSuffix(original, ext)
	out := strings.ReplaceAll(pattern, "{name}", base)
	out = strings.ReplaceAll(out, "{ext}", strings.TrimPrefix(ext, "."))
	out = strings.ReplaceAll(out, "{date}", time.Now().Format("2006-01-02"))
	return out
}

func writeFile(path string, body io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
