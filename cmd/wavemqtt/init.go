package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siku2/wavemqtt/internal/defaults"
)

// runInit initializes a wavemqtt working directory: the data directory
// for runtime state and an example config. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing wavemqtt workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config may grow broker credentials, so keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then start the bridge with: wavemqtt serve")
	return nil
}

// writeIfMissing writes content to path unless the file already exists,
// reporting either way. Init must never clobber user customizations.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  %s exists, skipping\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ created %s\n", path)
	return nil
}
