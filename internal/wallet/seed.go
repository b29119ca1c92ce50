package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for seed encryption.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32 // AES-256
	argon2SaltLen     = 32
)

// ErrWrongPassword is returned when an encrypted seed cannot be opened.
var ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")

// EncryptedSeed is the on-disk form of a password-protected mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func seedCipher(password string, salt []byte, time, memory uint32, threads uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, threads, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic encrypts a mnemonic using Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := seedCipher(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted seed.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	time, memory, threads := encrypted.Time, encrypted.Memory, encrypted.Parallelism
	if time == 0 {
		time = argon2Time
	}
	if memory == 0 {
		memory = argon2Memory
	}
	if threads == 0 {
		threads = argon2Parallelism
	}

	gcm, err := seedCipher(password, encrypted.Salt, time, memory, threads)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

// LoadOrCreateMnemonic reads the mnemonic at path, generating and saving a
// new one when the file does not exist. With a password the file holds an
// EncryptedSeed; without one it holds the plain words.
func LoadOrCreateMnemonic(path, password string) (mnemonic string, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mnemonic, err = GenerateMnemonic(); err != nil {
			return "", false, err
		}
		if err := SaveMnemonic(path, mnemonic, password); err != nil {
			return "", false, err
		}
		return mnemonic, true, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to read seed file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var encrypted EncryptedSeed
		if err := json.Unmarshal(trimmed, &encrypted); err != nil {
			return "", false, fmt.Errorf("failed to parse seed file: %w", err)
		}
		mnemonic, err = DecryptMnemonic(&encrypted, password)
		if err != nil {
			return "", false, err
		}
	} else {
		mnemonic = strings.Join(strings.Fields(string(trimmed)), " ")
	}

	if !ValidateMnemonic(mnemonic) {
		return "", false, fmt.Errorf("seed file %s holds an invalid mnemonic", path)
	}
	return mnemonic, false, nil
}

// SaveMnemonic writes mnemonic to path with owner-only permissions,
// encrypted when password is set.
func SaveMnemonic(path, mnemonic, password string) error {
	data := []byte(mnemonic + "\n")
	if password != "" {
		encrypted, err := EncryptMnemonic(mnemonic, password)
		if err != nil {
			return err
		}
		if data, err = json.Marshal(encrypted); err != nil {
			return fmt.Errorf("failed to marshal: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
