package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	completionIDPrefix = "cmpl-"
)

var completionIDPattern = regexp.MustCompile(`^cmpl-[a-zA-Z0-9]{24}$`)

// NewCompletionID generates a new completion ID with the "cmpl-" prefix
// followed by 24 cryptographically random alphanumeric characters.
func NewCompletionID() string {
	return completionIDPrefix + randomAlphanumeric(idLength)
}

// ValidateCompletionID checks whether the given string is a valid completion ID.
func ValidateCompletionID(id string) bool {
	return completionIDPattern.MatchString(id)
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
