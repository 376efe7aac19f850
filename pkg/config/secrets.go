package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"

	"maker/pkg/logx"
)

var logger = logx.NewLogger("config")

// Encrypted secrets live in .maker/secrets.json.enc as
// [magic][salt][nonce][AES-256-GCM ciphertext+tag]. The magic header is
// authenticated as additional data.
const (
	secretsFileName = "secrets.json.enc"
	secretsMagic    = "MKS1"
	saltSize        = 16
	nonceSize       = 12
	tagSize         = 16
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

var (
	// ErrWrongPassword is returned when the file does not authenticate.
	ErrWrongPassword = errors.New("decryption failed (wrong password or corrupted file)")

	// ErrCorruptSecrets is returned for files too short or with an unknown header.
	ErrCorruptSecrets = errors.New("secrets file is corrupted or not a maker secrets file")
)

// Decrypted secrets for this process. API key lookups consult them before
// the environment.
//
//nolint:gochecknoglobals // process-wide unlocked secrets
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
)

// SetDecryptedSecrets replaces the in-memory secrets. nil clears them.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret looks name up in the decrypted secrets, then the environment.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	value := decryptedSecrets[name]
	decryptedSecretsMux.RUnlock()
	if value != "" {
		return value, nil
	}

	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// SecretNames lists the decrypted secret names in sorted order.
func SecretNames() []string {
	decryptedSecretsMux.RLock()
	defer decryptedSecretsMux.RUnlock()

	names := make([]string, 0, len(decryptedSecrets))
	for name := range decryptedSecrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SecretsPath returns the encrypted secrets file location under baseDir.
func SecretsPath(baseDir string) string {
	return filepath.Join(baseDir, StateDir, secretsFileName)
}

// SecretsFileExists reports whether baseDir has an encrypted secrets file.
func SecretsFileExists(baseDir string) bool {
	_, err := os.Stat(SecretsPath(baseDir))
	return err == nil
}

// EncryptSecretsFile writes secrets under baseDir with mode 0600, replacing
// any existing file. A fresh salt and nonce are drawn on every save.
func EncryptSecretsFile(baseDir, password string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	header := make([]byte, len(secretsMagic)+saltSize+nonceSize)
	copy(header, secretsMagic)
	salt := header[len(secretsMagic) : len(secretsMagic)+saltSize]
	nonce := header[len(secretsMagic)+saltSize:]
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	data := gcm.Seal(header, nonce, plaintext, []byte(secretsMagic))

	path := SecretsPath(baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", StateDir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets file under baseDir.
// A file readable by others is reset to 0600 first.
func DecryptSecretsFile(baseDir, password string) (map[string]string, error) {
	path := SecretsPath(baseDir)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		logger.Warn("secrets file has permissions %04o, resetting to 0600", perm)
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	headerSize := len(secretsMagic) + saltSize + nonceSize
	if len(data) < headerSize+tagSize || string(data[:len(secretsMagic)]) != secretsMagic {
		return nil, ErrCorruptSecrets
	}
	salt := data[len(secretsMagic) : len(secretsMagic)+saltSize]
	nonce := data[len(secretsMagic)+saltSize : headerSize]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[headerSize:], []byte(secretsMagic))
	if err != nil {
		return nil, ErrWrongPassword
	}

	secrets := map[string]string{}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

// newGCM derives the AES key from password and salt with scrypt.
func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	passwordBytes := []byte(password)
	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	clear(passwordBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
