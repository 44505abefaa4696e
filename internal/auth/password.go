// password.go

// Argon2id hashing for the operator credential.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// argonParams are the cost settings embedded in a PHC string.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

// defaultArgon is what HashPassword uses for new hashes.
var defaultArgon = argonParams{memory: 64 * 1024, time: 3, threads: 2, keyLen: 32}

const argonSaltLen = 16

// maxPasswordBytes caps the input handed to argon2 on the login path.
const maxPasswordBytes = 128

// errMalformedHash covers every way a stored PHC string can fail to parse.
var errMalformedHash = errors.New("malformed argon2id hash")

// HashPassword returns a PHC-formatted Argon2id hash of password.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 key>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := defaultArgon
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword reports whether password matches encoded.
// Cost parameters come from the hash itself, so hashes made with older settings still verify.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return p, nil, nil, errMalformedHash
	}
	if fields[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("%w: algorithm %q", errMalformedHash, fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("%w: version: %v", errMalformedHash, err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %d", errMalformedHash, version)
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: params: %v", errMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", errMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: key", errMalformedHash)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

// ValidateEmail checks format and length; returns a client-facing message or "".
func ValidateEmail(email string) string {
	switch {
	case email == "":
		return "email is required"
	case len(email) < 5 || len(email) > 254:
		return "invalid email"
	}
	if _, err := netmail.ParseAddress(email); err != nil {
		return "invalid email"
	}
	return ""
}

// ValidatePassword checks that a login password is present and small enough to hash.
func ValidatePassword(password string) string {
	switch {
	case password == "":
		return "password is required"
	case len(password) > maxPasswordBytes:
		return "password too long"
	case !utf8.ValidString(password):
		return "invalid password"
	}
	return ""
}
