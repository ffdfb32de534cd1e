package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
)

// MovePending moves every regular file in tempDir into materialsDir and
// returns the moved names. Subdirectories are left alone. A file that fails
// to move stays in tempDir and the remaining files are still moved.
func (r *Reconciler) MovePending(tempDir, materialsDir string) ([]string, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", tempDir, err)
	}
	if err := os.MkdirAll(materialsDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", materialsDir, err)
	}

	var moved []string
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(tempDir, entry.Name())
		dst := filepath.Join(materialsDir, entry.Name())
		if err := moveFile(src, dst); err != nil {
			logging.LogError(r.logger.WithField("file", entry.Name()), err, "storage", "move_pending")
			errs = append(errs, err)
			continue
		}
		moved = append(moved, entry.Name())
	}

	if len(moved) > 0 {
		r.logger.WithFields(logrus.Fields{
			"count": len(moved),
			"to":    materialsDir,
		}).Info("Moved finished captures to materials")
	}
	return moved, errors.Join(errs...)
}

// moveFile renames src to dst, copying durably when they are on different
// filesystems
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	return copyAcross(src, dst)
}

func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(info.Mode().Perm()))
	if err != nil {
		return fmt.Errorf("create pending %s: %w", filepath.Base(dst), err)
	}
	defer pending.Cleanup()

	n, err := io.Copy(pending, in)
	if err != nil {
		return fmt.Errorf("copy %s (%s done): %w", filepath.Base(src), humanize.Bytes(uint64(n)), err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(dst), err)
	}
	return os.Remove(src)
}
