package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

const (
	keyFileName  = "state.key"
	saltFileName = "state.salt"
	keySize      = 32 // 256-bit SQLCipher key
	saltSize     = 16
)

// FileKeyProvider keeps a random state key in a 0600 file next to the database.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// GetKey reads the state key from the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// StoreKey writes the state key with owner-only permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// PassphraseKeyProvider derives the state key from an operator passphrase
// with Argon2id. Only the random salt is written to disk.
type PassphraseKeyProvider struct {
	passphrase []byte
	saltPath   string
}

// NewPassphraseKeyProvider creates a provider whose salt lives in dataDir.
func NewPassphraseKeyProvider(dataDir, passphrase string) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{
		passphrase: []byte(passphrase),
		saltPath:   filepath.Join(dataDir, saltFileName),
	}
}

// GetKey derives the key from the passphrase and the stored salt.
func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	if len(p.passphrase) == 0 {
		return nil, errors.New("empty key passphrase")
	}
	salt, err := os.ReadFile(p.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), saltSize)
	}
	return argon2.IDKey(p.passphrase, salt, 1, 64*1024, 4, keySize), nil
}

// StoreKey ignores the generated key and writes a fresh salt instead;
// the derived key is what GetKey returns from then on.
func (p *PassphraseKeyProvider) StoreKey(_ []byte) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.saltPath), 0700); err != nil {
		return fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(p.saltPath, salt, 0600); err != nil {
		return fmt.Errorf("failed to write salt file: %w", err)
	}
	return nil
}

// KeyExists checks if the salt has been created.
func (p *PassphraseKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.saltPath)
	return err == nil
}

// NewKeyProvider picks the passphrase provider when a passphrase is configured.
func NewKeyProvider(dataDir, passphrase string) domain.KeyProvider {
	if passphrase != "" {
		return NewPassphraseKeyProvider(dataDir, passphrase)
	}
	return NewFileKeyProvider(dataDir)
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey provisions key material on first run and returns the key.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return provider.GetKey()
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*PassphraseKeyProvider)(nil)
)
