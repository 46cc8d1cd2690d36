package handshake

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/room4-2/OpenTranslate/config"

	"github.com/google/uuid"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	opaqueLength = 8
)

// KeyGenerator allocates new session keys
type KeyGenerator func() (string, error)

// OpaqueKey returns the first 8 characters of a random UUID, upper-cased so
// joins can fold case the same way for every key style
func OpaqueKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return strings.ToUpper(id.String()[:opaqueLength]), nil
}

// CodeKey returns a 6 character uppercase alphanumeric key that can be read
// aloud to the partner
func CodeKey() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate session code: %w", err)
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// KeysFor returns the generator for a configured key style
func KeysFor(style string) KeyGenerator {
	if style == config.KeyStyleCode {
		return CodeKey
	}
	return OpaqueKey
}
