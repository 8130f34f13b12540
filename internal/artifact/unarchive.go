package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Unpack extracts a bundle into destDir. Entries that would land outside
// destDir are rejected.
func Unpack(archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		cleanName := filepath.Clean(filepath.FromSlash(f.Name))
		if filepath.IsAbs(cleanName) || cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid path in archive: %s", f.Name)
		}
		targetPath := filepath.Join(destDir, cleanName)

		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case f.Mode().IsRegular():
			if err := extractFile(f, targetPath); err != nil {
				return err
			}
		default:
			slog.Debug("Skipping archive entry", "name", f.Name, "mode", f.Mode())
		}
	}
	return nil
}

func extractFile(f *zip.File, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(outFile, rc); err != nil {
		outFile.Close()
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return outFile.Close()
}
