package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/im7mortal/kmutex"
)

const (
	blobsDirName   = "blobs"
	currentDirName = "current"
	archiveDirName = "archive"
	tmpDirName     = "tmp"
)

// WriteResult describes one persisted blob payload.
type WriteResult struct {
	Digest    string
	SizeBytes int64
	Existed   bool
}

// AccountStore is the content-addressed store for a single account
// namespace, rooted at <backup_root>/<provider>/<account_id>/.
//
// Layout:
//
//	blobs/sha256/aa/bb/<64-hex-digest>
//	current/  - browsable tree mirroring provider paths
//	archive/  - quarantined items, same relative paths
//	tmp/      - staging for in-progress writes
type AccountStore struct {
	root    string
	publish *kmutex.Kmutex
}

// New creates the account store and its directory skeleton.
func New(backupRoot, provider, accountID string) (*AccountStore, error) {
	if strings.TrimSpace(backupRoot) == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("provider and account id are required")
	}
	abs, err := filepath.Abs(filepath.Join(backupRoot, provider, accountID))
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{blobsDirName, currentDirName, archiveDirName, tmpDirName} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &AccountStore{root: abs, publish: kmutex.New()}, nil
}

// Root returns the absolute account namespace root.
func (s *AccountStore) Root() string {
	return s.root
}

// BlobPath returns the on-disk path for a digest, two-level sharded by
// hex prefix to bound directory fan-out.
func (s *AccountStore) BlobPath(digest string) (string, error) {
	hexValue, err := ParseDigest(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, blobsDirName, digestAlgorithm, hexValue[0:2], hexValue[2:4], hexValue), nil
}

// Exists checks whether a blob object is present on disk.
func (s *AccountStore) Exists(digest string) (bool, error) {
	path, err := s.BlobPath(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Write streams r into the store, computing the digest along the way.
// Identical content dedups onto the existing object without rewriting.
// Publishing is write-to-temp, fsync, rename-into-place; a crash
// mid-write never leaves a partial object under its final digest path.
// After a fresh publish the object is re-read and verified.
func (s *AccountStore) Write(ctx context.Context, r io.Reader) (WriteResult, error) {
	var zero WriteResult
	if s == nil {
		return zero, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "write-*")
	if err != nil {
		return zero, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return zero, err
	}

	digest := FormatDigest(h.Sum(nil))
	dst, err := s.BlobPath(digest)
	if err != nil {
		cleanup()
		return zero, err
	}

	// Digest-scoped lock: two concurrent writers of the same new
	// content race on one final path; the loser dedups onto the
	// winner's completed publish.
	s.publish.Lock(digest)
	defer s.publish.Unlock(digest)

	if _, err := os.Stat(dst); err == nil {
		_ = os.Remove(tmpPath)
		return WriteResult{Digest: digest, SizeBytes: n, Existed: true}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		cleanup()
		return zero, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		cleanup()
		return zero, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return zero, err
	}
	_ = os.Chmod(dst, 0o444)

	if err := s.verify(dst, digest); err != nil {
		return zero, err
	}
	return WriteResult{Digest: digest, SizeBytes: n}, nil
}

func (s *AccountStore) verify(path, digest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	actual, _, err := ComputeDigest(f)
	if err != nil {
		return err
	}
	if actual != digest {
		return &IntegrityError{Digest: digest, Actual: actual}
	}
	return nil
}

// Open returns a reader over blob content that verifies the digest as
// it is consumed. Reading to EOF or closing surfaces IntegrityError on
// silent corruption.
func (s *AccountStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.BlobPath(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, err
	}
	return &verifyingReader{file: f, digest: digest, hash: sha256.New()}, nil
}

// ReadAll reads and verifies a whole blob.
func (s *AccountStore) ReadAll(ctx context.Context, digest string) ([]byte, error) {
	rc, err := s.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes a blob object. The caller (retention GC) is
// responsible for having confirmed zero index references; the store
// itself keeps no reference counts. Missing objects are not an error.
func (s *AccountStore) Delete(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.BlobPath(digest)
	if err != nil {
		return err
	}
	s.publish.Lock(digest)
	defer s.publish.Unlock(digest)

	_ = os.Chmod(path, 0o644)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	s.pruneEmptyDirs(filepath.Dir(path), filepath.Join(s.root, blobsDirName))
	return nil
}

func (s *AccountStore) pruneEmptyDirs(dir, stop string) {
	for dir != stop {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Stats reports blob count and bytes plus browsable file count.
type Stats struct {
	BlobCount        int   `json:"blob_count"`
	TotalSizeBytes   int64 `json:"total_size_bytes"`
	CurrentFileCount int   `json:"current_file_count"`
}

// Stat walks the namespace and returns storage statistics.
func (s *AccountStore) Stat() (Stats, error) {
	var stats Stats
	blobsRoot := filepath.Join(s.root, blobsDirName)
	err := filepath.WalkDir(blobsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.BlobCount++
		stats.TotalSizeBytes += info.Size()
		return nil
	})
	if err != nil {
		return stats, err
	}
	err = filepath.WalkDir(filepath.Join(s.root, currentDirName), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		stats.CurrentFileCount++
		return nil
	})
	return stats, err
}

// WalkBlobs visits every on-disk blob object, reporting its digest.
// Used by the verify reconciliation pass.
func (s *AccountStore) WalkBlobs(fn func(digest string, size int64) error) error {
	blobsRoot := filepath.Join(s.root, blobsDirName, digestAlgorithm)
	return filepath.WalkDir(blobsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(digestAlgorithm+":"+d.Name(), info.Size())
	})
}

type verifyingReader struct {
	file     *os.File
	digest   string
	hash     hash.Hash
	verified bool
	failed   error
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.failed != nil {
		return 0, r.failed
	}
	n, err := r.file.Read(p)
	if n > 0 {
		_, _ = r.hash.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		if verr := r.finish(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *verifyingReader) finish() error {
	if r.verified {
		return r.failed
	}
	r.verified = true
	actual := FormatDigest(r.hash.Sum(nil))
	if actual != r.digest {
		r.failed = &IntegrityError{Digest: r.digest, Actual: actual}
	}
	return r.failed
}

func (r *verifyingReader) Close() error {
	// Drain through Read so the digest covers the whole object even
	// when the caller stopped early.
	if !r.verified && r.failed == nil {
		buf := make([]byte, 64*1024)
		for {
			if _, err := r.Read(buf); err != nil {
				break
			}
		}
	}
	cerr := r.file.Close()
	if r.failed != nil {
		return r.failed
	}
	return cerr
}
