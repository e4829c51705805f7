// Package credentials keeps account passwords in a file encrypted with a
// key derived from a master password.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

var ErrNotFound = errors.New("credentials not found")

// Store is a file of account id to secret, sealed with AES-GCM. The file is
// rewritten with a fresh salt and nonce on every change.
type Store struct {
	path     string
	password string

	mu sync.Mutex
}

func NewStore(path, masterPassword string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if masterPassword == "" {
		return nil, fmt.Errorf("master password is required")
	}
	return &Store{path: path, password: masterPassword}, nil
}

// Lookup returns the secret of accountID or ErrNotFound.
func (s *Store) Lookup(accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	secret, ok := secrets[accountID]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (s *Store) Save(accountID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[accountID] = secret
	return s.write(secrets)
}

// Delete removes accountID. Unknown ids are not an error.
func (s *Store) Delete(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[accountID]; !ok {
		return nil
	}
	delete(secrets, accountID)
	return s.write(secrets)
}

func (s *Store) load() (map[string]string, error) {
	blob, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(blob) < saltSize {
		return nil, fmt.Errorf("invalid credentials file")
	}

	gcm, err := newGCM(s.password, blob[:saltSize])
	if err != nil {
		return nil, err
	}
	if len(blob) < saltSize+gcm.NonceSize() {
		return nil, fmt.Errorf("invalid credentials file")
	}
	nonce := blob[saltSize : saltSize+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, blob[saltSize+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	secrets := map[string]string{}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return secrets, nil
}

func (s *Store) write(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("salt: %w", err)
	}
	gcm, err := newGCM(s.password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	blob := append(append(salt, nonce...), gcm.Seal(nil, nonce, plaintext, nil)...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}
