package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// KeyPrefix is the literal prefix of every issued agent access key.
const KeyPrefix = "cak"

// rawKeyBytes is the entropy of the random key part.
const rawKeyBytes = 32

// prefixLen is how many characters of the raw key are stored in plaintext
// alongside the hash.
const prefixLen = 8

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// GenerateKey returns a fresh raw access key of the form cak_<urlsafe-random>.
func GenerateKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Prefix returns the plaintext prefix stored with a key record.
func Prefix(rawKey string) string {
	if len(rawKey) < prefixLen {
		return rawKey
	}
	return rawKey[:prefixLen]
}

// HashKey returns the SHA-256 hex hash of the raw key. This is the indexed
// fast path: the hash is deterministic, so a single lookup resolves it.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
// Keys hashed this way cannot be found by indexed lookup and are verified
// by iteration instead.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the algorithm of a stored hash: "argon2id" for
// PHC format, "sha256" for prefixed or bare hex, "unknown" otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against a stored hash of either supported
// format. Returns (false, ErrUnknownHashType) for unrecognized formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed PHC parameters
// (t=0, p=0), and a stored hash must never take down the data path.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
