package match

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	InviteCodeLength = 6
	// No 0/O or 1/I so codes survive being read aloud
	InviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewInviteCode generates a random invite code
func NewInviteCode() (string, error) {
	var sb strings.Builder
	sb.Grow(InviteCodeLength)
	max := big.NewInt(int64(len(InviteCodeAlphabet)))
	for i := 0; i < InviteCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(InviteCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeInviteCode upper-cases and trims a user-typed code
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidInviteCode reports whether code has the right length and alphabet
func ValidInviteCode(code string) bool {
	if len(code) != InviteCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(InviteCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
