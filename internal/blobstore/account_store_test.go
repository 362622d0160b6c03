package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const abcDigest = "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func testStore(t *testing.T) *AccountStore {
	t.Helper()
	s, err := New(t.TempDir(), "google_drive", "acct-1")
	if err != nil {
		t.Fatalf("new account store: %v", err)
	}
	return s
}

func TestWriteKnownDigest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, bytes.NewBufferString("abc"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Digest != abcDigest {
		t.Fatalf("expected %s, got %s", abcDigest, res.Digest)
	}
	if res.SizeBytes != 3 {
		t.Fatalf("expected 3 bytes, got %d", res.SizeBytes)
	}

	data, err := s.ReadAll(ctx, res.Digest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("expected abc, got %q", string(data))
	}
}

func TestWriteIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Write(ctx, bytes.NewBufferString("abc"))
	if err != nil {
		t.Fatalf("write first: %v", err)
	}
	second, err := s.Write(ctx, bytes.NewBufferString("abc"))
	if err != nil {
		t.Fatalf("write second: %v", err)
	}
	if first.Digest != second.Digest {
		t.Fatalf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
	if !second.Existed {
		t.Fatal("second write should dedup onto existing object")
	}

	stats, err := s.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stats.BlobCount != 1 {
		t.Fatalf("expected exactly one on-disk object, got %d", stats.BlobCount)
	}
	// Staging area must not accumulate temp files.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty tmp dir, found %d entries", len(entries))
	}
}

func TestBlobPathSharding(t *testing.T) {
	s := testStore(t)

	path, err := s.BlobPath(abcDigest)
	if err != nil {
		t.Fatalf("blob path: %v", err)
	}
	want := filepath.Join(s.Root(), "blobs", "sha256", "ba", "78",
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}

func TestOpenMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.Open(context.Background(), abcDigest)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, bytes.NewBufferString("pristine content"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	path, err := s.BlobPath(res.Digest)
	if err != nil {
		t.Fatalf("blob path: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered content!"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = s.ReadAll(ctx, res.Digest)
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ierr.Digest != res.Digest {
		t.Fatalf("error names wrong digest: %s", ierr.Digest)
	}
}

func TestDeletePrunesShardDirs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, bytes.NewBufferString("abc"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Delete(ctx, res.Digest); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, res.Digest); err != nil {
		t.Fatalf("delete missing should be noop: %v", err)
	}

	exists, err := s.Exists(res.Digest)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("blob should be gone")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "blobs", "sha256", "ba")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected shard dir pruned, got %v", err)
	}
}

func TestParseDigest(t *testing.T) {
	if _, err := ParseDigest(abcDigest); err != nil {
		t.Fatalf("valid digest rejected: %v", err)
	}
	for _, bad := range []string{
		"",
		"ba7816bf",
		"md5:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"sha256:ba7816",
		"sha256:BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD",
		"sha256:zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	} {
		if _, err := ParseDigest(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestVerifyingReaderPartialThenClose(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, bytes.NewBufferString("some longer content body"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	rc, err := s.Open(ctx, res.Digest)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("partial read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close after partial read: %v", err)
	}
}
