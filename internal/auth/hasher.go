// Package auth provides password hashing and JWT issuance for the
// control plane.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the Argon2id cost parameters baked into new hashes.
// Verification reads the parameters back out of the stored hash, so
// these can change without invalidating existing passwords.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLen     uint32
	keyLen      uint32
}

var hashParams = argon2Params{
	memory:      64 * 1024,
	iterations:  1,
	parallelism: 4,
	saltLen:     16,
	keyLen:      32,
}

var errMalformedHash = errors.New("malformed password hash")

// HashPassword derives an Argon2id hash encoded as
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, hashParams.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt,
		hashParams.iterations, hashParams.memory, hashParams.parallelism, hashParams.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, hashParams.memory, hashParams.iterations, hashParams.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// CheckPassword verifies password against a stored hash in constant time.
func CheckPassword(password, encoded string) (bool, error) {
	params, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(password), salt,
		params.iterations, params.memory, params.parallelism, params.keyLen)

	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argon2Params, []byte, []byte, error) {
	var p argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, errMalformedHash
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
		&p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, errMalformedHash
	}
	p.keyLen = uint32(len(key))

	return p, salt, key, nil
}
