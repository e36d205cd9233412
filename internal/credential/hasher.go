// hasher.go

// Argon2id password hashing and verification, with read-only support for legacy bcrypt hashes.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned by Verify for hashes in a format it cannot parse.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Verifier is what the HTTP layer depends on. Satisfied by *Hasher.
type Verifier interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
	NeedsRehash(encoded string) bool
}

// Hasher derives Argon2id hashes with tunable cost. The parameters are written into every
// hash, so raising them later only affects new hashes; old ones still verify and report
// NeedsRehash until the user next signs in.
type Hasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultHasher returns the production parameters: t=3, m=64MiB, p=2.
func DefaultHasher() *Hasher {
	return &Hasher{Time: 3, Memory: 64 * 1024, Threads: 2, SaltLen: 16, KeyLen: 32}
}

// Hash returns a PHC-formatted Argon2id hash.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against an Argon2id or bcrypt hash.
// Argon2id re-derives with the parameters stored in the hash and compares in constant time;
// bcrypt uses its own constant-time comparison.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt compare: %w", err)
		}
		return true, nil
	}

	p, err := parseArgon2id(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced by a weaker algorithm or weaker
// parameters than h. Unparseable hashes also report true.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	p, err := parseArgon2id(encoded)
	if err != nil {
		return true
	}
	return p.time < h.Time || p.memory < h.Memory || p.threads < h.Threads || uint32(len(p.key)) < h.KeyLen
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parseArgon2id(encoded string) (*argonParams, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, ErrUnsupportedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, fmt.Errorf("parsing hash params: %w", err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, fmt.Errorf("decoding hash: %w", err)
	}
	if len(p.key) == 0 {
		return nil, ErrUnsupportedHash
	}
	return &p, nil
}
