package watchdog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/ansi"
	"github.com/klauspost/compress/zstd"

	"github.com/overstory/overstory/internal/models"
)

// captureTail grabs the agent's recent pane history, strips terminal escape
// sequences, and archives a compressed copy under the log dir before
// returning the plain text for triage.
func (w *Watchdog) captureTail(ctx context.Context, a *models.Agent) (string, error) {
	raw, err := w.sessions.CapturePane(ctx, a.SessionName, w.cfg.CaptureLines)
	if err != nil {
		return "", err
	}
	plain := ansi.Strip(raw)

	if w.cfg.LogDir != "" {
		if err := writeCompressedTail(filepath.Join(w.cfg.LogDir, a.Name+".zst"), plain); err != nil {
			w.log.Warn("archive session tail", "component", "watchdog", "agent", a.Name, "error", err)
		}
	}
	return plain, nil
}

// writeCompressedTail stores the tail zstd-compressed, replacing the previous
// capture so long-lived agents don't grow disk usage unbounded.
func writeCompressedTail(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := enc.Write([]byte(content)); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadArchivedTail decompresses the last archived capture for an agent.
func ReadArchivedTail(logDir, agentName string) (string, error) {
	f, err := os.Open(filepath.Join(logDir, agentName+".zst"))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
