package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	scriptIDPrefix  = "scr_"
	attemptIDPrefix = "att_"
)

var (
	scriptIDPattern  = regexp.MustCompile(`^scr_[a-zA-Z0-9]{24}$`)
	attemptIDPattern = regexp.MustCompile(`^att_[a-zA-Z0-9]{24}$`)
)

// NewScriptID generates a new script ID with the "scr_" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewScriptID() string {
	return scriptIDPrefix + randomAlphanumeric(idLength)
}

// NewAttemptID generates a new attempt ID with the "att_" prefix.
func NewAttemptID() string {
	return attemptIDPrefix + randomAlphanumeric(idLength)
}

// ValidateScriptID checks whether the given string is a valid script ID.
func ValidateScriptID(id string) bool {
	return scriptIDPattern.MatchString(id)
}

// ValidateAttemptID checks whether the given string is a valid attempt ID.
func ValidateAttemptID(id string) bool {
	return attemptIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
