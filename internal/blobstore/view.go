package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// The browsable current/ and archive/ trees are written only by this
// package, on behalf of sync engine and retention GC calls. Every
// other component treats them as read-only.

// CurrentPath resolves a provider-relative path inside current/.
func (s *AccountStore) CurrentPath(relPath string) (string, error) {
	return s.viewPath(currentDirName, relPath)
}

// ArchivePath resolves a provider-relative path inside archive/.
func (s *AccountStore) ArchivePath(relPath string) (string, error) {
	return s.viewPath(archiveDirName, relPath)
}

func (s *AccountStore) viewPath(tree, relPath string) (string, error) {
	relPath = strings.TrimSpace(relPath)
	if relPath == "" {
		return "", fmt.Errorf("relative path is required")
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid relative path: %s", relPath)
	}
	return filepath.Join(s.root, tree, clean), nil
}

// Materialize produces the blob's content at relPath in the browsable
// tree. It hard links when store and view share a filesystem and falls
// back to a full copy otherwise.
func (s *AccountStore) Materialize(digest, relPath string) error {
	blobPath, err := s.BlobPath(digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(blobPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return err
	}

	target, err := s.CurrentPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.Link(blobPath, target); err == nil {
		return nil
	}
	return copyFile(blobPath, target)
}

// EnsureDir creates a folder in the browsable tree.
func (s *AccountStore) EnsureDir(relPath string) error {
	target, err := s.CurrentPath(relPath)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, 0o755)
}

// RemoveFromCurrent deletes a materialized file, pruning emptied
// parent directories.
func (s *AccountStore) RemoveFromCurrent(relPath string) error {
	return s.removeFromView(currentDirName, relPath)
}

// RemoveFromArchive deletes a quarantined file from archive/.
func (s *AccountStore) RemoveFromArchive(relPath string) error {
	return s.removeFromView(archiveDirName, relPath)
}

func (s *AccountStore) removeFromView(tree, relPath string) error {
	target, err := s.viewPath(tree, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	s.pruneEmptyDirs(filepath.Dir(target), filepath.Join(s.root, tree))
	return nil
}

// MoveToArchive moves (not copies) a materialized path from current/
// into archive/, preserving the relative path. Quarantine is the only
// lifecycle transition that mutates the browsable view.
func (s *AccountStore) MoveToArchive(relPath string) error {
	return s.moveBetweenViews(currentDirName, archiveDirName, relPath)
}

// RestoreFromArchive moves a quarantined path back into current/.
func (s *AccountStore) RestoreFromArchive(relPath string) error {
	return s.moveBetweenViews(archiveDirName, currentDirName, relPath)
}

func (s *AccountStore) moveBetweenViews(from, to, relPath string) error {
	source, err := s.viewPath(from, relPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	target, err := s.viewPath(to, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(source, target); err != nil {
		return err
	}
	s.pruneEmptyDirs(filepath.Dir(source), filepath.Join(s.root, from))
	return nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return err
	}
	return out.Close()
}
