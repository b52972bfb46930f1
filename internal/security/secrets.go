// Package security holds the credential store notification channels and
// the API read their secrets from.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SecretPrefix marks a config value that names a secret instead of
// carrying it.
const SecretPrefix = "secret:"

// ErrSecretNotFound is returned for a secret name the store does not hold.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is an opaque credential lookup.
type SecretStore interface {
	Get(ctx context.Context, name string) (string, error)
}

// Resolve returns value unchanged unless it starts with "secret:", in which
// case the named secret is looked up in store.
func Resolve(ctx context.Context, store SecretStore, value string) (string, error) {
	name, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty secret reference")
	}
	if store == nil {
		return "", fmt.Errorf("%w: %s (no secret store configured)", ErrSecretNotFound, name)
	}
	v, err := store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", name, err)
	}
	return v, nil
}

// EnvSecretStore reads secrets from environment variables. The name
// "smtp.password" with prefix "BLAZEGUARD_SECRET_" maps to
// BLAZEGUARD_SECRET_SMTP_PASSWORD.
type EnvSecretStore struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvSecretStore creates an environment-backed store.
func NewEnvSecretStore(prefix string) *EnvSecretStore {
	return &EnvSecretStore{Prefix: prefix, lookup: os.LookupEnv}
}

// EnvName returns the environment variable consulted for name.
func (s *EnvSecretStore) EnvName(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return s.Prefix + strings.ToUpper(r.Replace(name))
}

// Get implements SecretStore.
func (s *EnvSecretStore) Get(_ context.Context, name string) (string, error) {
	v, ok := s.lookup(s.EnvName(name))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// FileSecretStore keeps named secrets in one sealed JSON file.
type FileSecretStore struct {
	path       string
	passphrase []byte

	mu      sync.RWMutex
	secrets map[string]string
}

// OpenFileSecretStore loads the store at path. A missing file yields an
// empty store that Save will create.
func OpenFileSecretStore(path string, passphrase []byte) (*FileSecretStore, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase required for secret file")
	}
	s := &FileSecretStore{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		secrets:    make(map[string]string),
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("parse secret file: %w", err)
	}
	plaintext, err := Open(&env, passphrase)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, &s.secrets); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return s, nil
}

// Get implements SecretStore.
func (s *FileSecretStore) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// Set stores a secret in memory. Call Save to persist it.
func (s *FileSecretStore) Set(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}

// Delete removes a secret. It reports whether the name existed.
func (s *FileSecretStore) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.secrets[name]
	delete(s.secrets, name)
	return ok
}

// Names returns the stored secret names, sorted.
func (s *FileSecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save seals the secrets and writes them with 0600 permissions, replacing
// the file atomically.
func (s *FileSecretStore) Save() error {
	s.mu.RLock()
	plaintext, err := json.Marshal(s.secrets)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	env, err := Seal(plaintext, s.passphrase)
	if err != nil {
		return err
	}
	content, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write secret file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close secret file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace secret file: %w", err)
	}
	return nil
}

// ChainSecretStore tries each store in order and returns the first hit.
type ChainSecretStore []SecretStore

// Get implements SecretStore.
func (c ChainSecretStore) Get(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}
