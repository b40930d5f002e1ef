package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// StagedWriter writes a download into the staging directory and
// commits it into place on Close with an atomic rename (no checksum
// validation is done here; URL-keyed entries are not content-addressed).
type StagedWriter struct {
	file      *os.File
	finalPath string
	written   int64
}

func (w *StagedWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (w *StagedWriter) Written() int64 { return w.written }

// Close finalizes the staged file into its final path. On error the
// staging file is removed and the final path is left untouched.
func (w *StagedWriter) Close() error {
	stagingPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("closing staged download %s: %w", w.finalPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(w.finalPath), 0o755); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("creating directory for %s: %w", w.finalPath, err)
	}
	if err := os.Rename(stagingPath, w.finalPath); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("committing staged download to %s: %w", w.finalPath, err)
	}
	return nil
}

// Abort discards the staged file without committing it.
func (w *StagedWriter) Abort() {
	stagingPath := w.file.Name()
	w.file.Close()
	os.Remove(stagingPath)
}
