package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempSibling creates an empty hidden temp file next to path and returns its
// name. Keeping the temp file in the target directory makes the final rename
// atomic (same filesystem).
func TempSibling(path string) (string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	f, err := os.CreateTemp(dir, "."+stem+".*.tmp"+ext)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// WriteFileAtomic writes data to a temp sibling of path, syncs it and renames
// it over path. Readers see either the old file or the new one, never a
// partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := TempSibling(path)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// CommitFile renames a finished temp file onto path, requiring it to exist
// and be non-empty. The temp file is removed on any failure.
func CommitFile(tmp, path string) (int64, error) {
	info, err := os.Stat(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("output %s is empty", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	return info.Size(), nil
}
