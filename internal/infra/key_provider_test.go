package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyProvider(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T, provider *FileKeyProvider)
	}{
		{
			name: "KeyExists returns false when no key file",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				assert.False(t, provider.KeyExists())
			},
		},
		{
			name: "StoreKey creates key file with owner-only permissions",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				info, err := os.Stat(provider.keyPath)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
			},
		},
		{
			name: "GetKey returns stored key",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				retrieved, err := provider.GetKey()
				require.NoError(t, err)
				assert.Equal(t, key, retrieved)
			},
		},
		{
			name: "GetKey returns error when no key file",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				_, err := provider.GetKey()
				assert.Error(t, err)
			},
		},
		{
			name: "StoreKey rejects wrong key size",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				err := provider.StoreKey([]byte("tooshort"))
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid key size")
			},
		},
		{
			name: "StoreKey creates directory if missing",
			testFn: func(t *testing.T, provider *FileKeyProvider) {
				provider.keyPath = filepath.Join(filepath.Dir(provider.keyPath), "sub", "dir", keyFileName)

				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))
				assert.True(t, provider.KeyExists())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.testFn(t, NewFileKeyProvider(t.TempDir()))
		})
	}
}

func TestPassphraseKeyProvider(t *testing.T) {
	t.Run("derives a stable key from passphrase and salt", func(t *testing.T) {
		dataDir := t.TempDir()
		provider := NewPassphraseKeyProvider(dataDir, "correct horse")

		key, err := EnsureKey(provider)
		require.NoError(t, err)
		assert.Len(t, key, keySize)

		again, err := NewPassphraseKeyProvider(dataDir, "correct horse").GetKey()
		require.NoError(t, err)
		assert.Equal(t, key, again)
	})

	t.Run("different passphrase derives a different key", func(t *testing.T) {
		dataDir := t.TempDir()
		key, err := EnsureKey(NewPassphraseKeyProvider(dataDir, "one"))
		require.NoError(t, err)

		other, err := NewPassphraseKeyProvider(dataDir, "two").GetKey()
		require.NoError(t, err)
		assert.NotEqual(t, key, other)
	})

	t.Run("empty passphrase is rejected", func(t *testing.T) {
		dataDir := t.TempDir()
		provider := NewPassphraseKeyProvider(dataDir, "")
		require.NoError(t, provider.StoreKey(nil))
		_, err := provider.GetKey()
		assert.Error(t, err)
	})
}

func TestNewKeyProvider(t *testing.T) {
	dataDir := t.TempDir()
	assert.IsType(t, &FileKeyProvider{}, NewKeyProvider(dataDir, ""))
	assert.IsType(t, &PassphraseKeyProvider{}, NewKeyProvider(dataDir, "secret"))
}

func TestGenerateKey(t *testing.T) {
	keys := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		require.Len(t, key, keySize)
		assert.False(t, keys[string(key)], "duplicate key generated")
		keys[string(key)] = true
	}
}

func TestEnsureKey(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "generates new key when none exists",
			test: func(t *testing.T) {
				provider := NewFileKeyProvider(t.TempDir())

				key, err := EnsureKey(provider)
				require.NoError(t, err)
				assert.Len(t, key, keySize)
				assert.True(t, provider.KeyExists())
			},
		},
		{
			name: "returns existing key when already present",
			test: func(t *testing.T) {
				provider := NewFileKeyProvider(t.TempDir())
				originalKey, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(originalKey))

				key, err := EnsureKey(provider)
				require.NoError(t, err)
				assert.Equal(t, originalKey, key)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}
