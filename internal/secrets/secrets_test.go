package secrets

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testSecrets(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "secrets.key"), filepath.Join(dir, "tokens.enc"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return st
}

func TestSetGetRoundTrip(t *testing.T) {
	st := testSecrets(t)

	want := TokenSet{AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "Bearer"}
	if err := st.Set("google_drive:user@example.com", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := st.Get("google_drive:user@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	st := testSecrets(t)

	_, err := st.Get("nope")
	if !errors.Is(err, ErrNoTokens) {
		t.Fatalf("expected ErrNoTokens, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	st := testSecrets(t)

	if err := st.Set("b", TokenSet{AccessToken: "2"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Set("a", TokenSet{AccessToken: "1"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	keys, err := st.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted [a b], got %v", keys)
	}

	if err := st.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting again is a noop.
	if err := st.Delete("a"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if has, err := st.Has("a"); err != nil || has {
		t.Fatalf("expected a gone: has=%v err=%v", has, err)
	}
	if has, err := st.Has("b"); err != nil || !has {
		t.Fatalf("expected b kept: has=%v err=%v", has, err)
	}
}

func TestTokenFileIsEncrypted(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "tokens.enc")
	st, err := Open(filepath.Join(dir, "secrets.key"), dataPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Set("k", TokenSet{RefreshToken: "super-secret-refresh"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte("super-secret-refresh")) {
		t.Fatal("token stored in plaintext")
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestReopenWithExistingKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "secrets.key")
	dataPath := filepath.Join(dir, "tokens.enc")

	st, err := Open(keyPath, dataPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Set("k", TokenSet{AccessToken: "persisted"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, err := Open(keyPath, dataPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.AccessToken != "persisted" {
		t.Fatalf("unexpected tokens: %#v", got)
	}
}

func TestWrongKeyFailsClosed(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "tokens.enc")

	st, err := Open(filepath.Join(dir, "key1"), dataPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Set("k", TokenSet{AccessToken: "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	other, err := Open(filepath.Join(dir, "key2"), dataPath)
	if err != nil {
		t.Fatalf("open with fresh key: %v", err)
	}
	if _, err := other.Get("k"); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}
