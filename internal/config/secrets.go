package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
)

// SecretStore is the key-value interface for credentials such as provider
// API keys.
type SecretStore interface {
	// Get retrieves a secret by name. Returns ErrSecretNotFound if absent.
	Get(name string) (string, error)
	// Set stores or replaces a secret.
	Set(name, value string) error
	// Delete removes a secret. Deleting a missing secret is not an error.
	Delete(name string) error
	// Available reports whether the store backend is usable.
	Available() bool
}

var (
	// ErrSecretNotFound is returned when a named secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretsCorrupt is returned when the secrets file fails its
	// integrity check. Callers treat this as fatal: the store is never
	// silently recreated over a corrupt file.
	ErrSecretsCorrupt = errors.New("secrets file failed integrity check")
)

// FileSecretStore keeps secrets in one AES-256-GCM encrypted file. The key
// is derived from a stable machine identifier, so the file is useless when
// copied to another host.
type FileSecretStore struct {
	mu   sync.Mutex
	path string
	key  []byte
}

// NewFileSecretStore opens (or prepares to create) the store at path.
func NewFileSecretStore(path string) (*FileSecretStore, error) {
	key, err := machineKey()
	if err != nil {
		return nil, fmt.Errorf("derive machine key: %w", err)
	}
	s := &FileSecretStore{path: path, key: key}
	// Fail fast on corruption rather than at first Get.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Available reports whether the store backend is usable.
func (s *FileSecretStore) Available() bool { return true }

// Get retrieves a secret by name.
func (s *FileSecretStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// Set stores or replaces a secret.
func (s *FileSecretStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[name] = value
	return s.store(secrets)
}

// Delete removes a secret.
func (s *FileSecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.load()
	if err != nil {
		return err
	}
	delete(secrets, name)
	return s.store(secrets)
}

func (s *FileSecretStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrSecretsCorrupt
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSecretsCorrupt
	}

	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, ErrSecretsCorrupt
	}
	return secrets, nil
}

func (s *FileSecretStore) store(secrets map[string]string) error {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	out := gcm.Seal(nonce, nonce, plain, nil)
	return os.WriteFile(s.path, out, 0600)
}

// machineKey derives a 32-byte key from a stable machine identifier.
func machineKey() ([]byte, error) {
	id := readMachineID()
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		id = host
	}
	sum := sha256.Sum256([]byte("tinyclaw-secrets-v1:" + id))
	return sum[:], nil
}

func readMachineID() string {
	if runtime.GOOS == "linux" {
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if b, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(b)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}
