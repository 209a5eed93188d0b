package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// challengeTokenSize is the raw entropy of a challenge bearer token.
// 32 bytes = 256 bits; the token must never be derivable from the id.
const challengeTokenSize = 32

// RecoveryCodeAlphabet excludes 0/O/1/I to keep codes unambiguous when read
// off paper.
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewChallengeToken returns a fresh bearer token as base64url (no padding).
func NewChallengeToken() (string, error) {
	var raw [challengeTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken is the only form of a challenge token that is ever persisted.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// NewOTP returns a numeric one-time code with the given digit count. Each
// digit is drawn independently so the code is uniform over 10^digits.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// NewRecoveryCode returns a raw recovery code of the given length drawn from
// RecoveryCodeAlphabet.
func NewRecoveryCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(RecoveryCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatRecoveryCode inserts a single dash for readability; the dash is
// stripped again by CanonicalizeRecoveryCode before hashing.
func FormatRecoveryCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeRecoveryCode normalizes user input: uppercase, no separators.
// An empty result means the input could never match a stored code.
func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// RecoveryCodeHash binds the code to its owner so identical codes issued to
// different users never collide in storage.
func RecoveryCodeHash(userID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

// SMSCodeHash is the stored form of a pending SMS code, bound to its owner
// the same way recovery codes are.
func SMSCodeHash(userID, code string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(code))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, code...)
	return sha256.Sum256(data)
}
