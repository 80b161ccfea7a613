package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Alphabet holds the 32 symbols a link code is drawn from: A-Z and 2-9
// without the look-alikes 0 O I 1. Six symbols carry 30 bits.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CodeLength is the number of symbols in a link code
	CodeLength = 6
	// deviceTokenBytes is the amount of randomness in a device token (256 bits)
	deviceTokenBytes = 32
)

// byte values at or above rejectAbove do not map evenly onto the alphabet
const rejectAbove = 256 - 256%len(Alphabet)

// GenerateCode returns a random link code using crypto/rand.
// Bytes past the last full multiple of the alphabet size are discarded so
// every symbol is equally likely.
func GenerateCode() (string, error) {
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateDeviceToken returns 32 random bytes, hex encoded
func GenerateDeviceToken() (string, error) {
	b := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns SHA-256(token) as hex for storage
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to hash, in constant time
func VerifyToken(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}

// NormalizeCode trims and upper-cases user input. A single dash separator
// ("AB3-X9Q") is dropped.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if strings.Count(code, "-") == 1 {
		code = strings.Replace(code, "-", "", 1)
	}
	return code
}

// maskCode masks a code for logging (e.g., AB****)
func maskCode(code string) string {
	if len(code) <= 2 {
		return "******"
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
