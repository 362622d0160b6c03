// Package secrets stores provider OAuth tokens encrypted at rest.
//
// Tokens live in a single file sealed with nacl/secretbox; the
// symmetric key sits next to it with 0600 permissions. This keeps
// refresh tokens out of the sqlite database and out of backups of it.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNoTokens is returned when no tokens are stored for a key.
var ErrNoTokens = errors.New("no tokens stored")

const (
	keySize   = 32
	nonceSize = 24
)

// TokenSet is what providers hand back after an OAuth exchange.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
	Scopes       string `json:"scopes,omitempty"`
}

// Store is a file-backed encrypted token store. Safe for concurrent
// use within one process; cross-process callers get last-writer-wins.
type Store struct {
	keyPath  string
	dataPath string

	mu  sync.Mutex
	key *[keySize]byte
}

// Open loads or creates the key file and returns a store writing to
// dataPath. Parent directories are created as needed.
func Open(keyPath, dataPath string) (*Store, error) {
	s := &Store{keyPath: keyPath, dataPath: dataPath}
	if err := s.loadOrCreateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateKey() error {
	raw, err := os.ReadFile(s.keyPath)
	if err == nil {
		if len(raw) != keySize {
			return fmt.Errorf("key file %s: want %d bytes, have %d", s.keyPath, keySize, len(raw))
		}
		s.key = new([keySize]byte)
		copy(s.key[:], raw)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read key file: %w", err)
	}

	s.key = new([keySize]byte)
	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o700); err != nil {
		return err
	}
	if err := writeFileAtomic(s.keyPath, s.key[:], 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Set stores tokens under key, replacing any previous set.
func (s *Store) Set(key string, tokens TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[key] = tokens
	return s.writeAll(all)
}

// Get returns the tokens stored under key.
func (s *Store) Get(key string) (TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return TokenSet{}, err
	}
	tokens, ok := all[key]
	if !ok {
		return TokenSet{}, fmt.Errorf("%s: %w", key, ErrNoTokens)
	}
	return tokens, nil
}

// Has reports whether tokens are stored under key.
func (s *Store) Has(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return false, err
	}
	_, ok := all[key]
	return ok, nil
}

// Delete removes the tokens stored under key. Missing keys are a noop.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.writeAll(all)
}

// List returns the stored keys, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) readAll() (map[string]TokenSet, error) {
	sealed, err := os.ReadFile(s.dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]TokenSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("token file %s is truncated", s.dataPath)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, fmt.Errorf("token file %s: decryption failed (wrong key?)", s.dataPath)
	}

	all := map[string]TokenSet{}
	if err := json.Unmarshal(plain, &all); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return all, nil
}

func (s *Store) writeAll(all map[string]TokenSet) error {
	plain, err := json.Marshal(all)
	if err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, s.key)

	if err := os.MkdirAll(filepath.Dir(s.dataPath), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(s.dataPath, sealed, 0o600)
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a half-written key or token file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
