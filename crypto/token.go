package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// tokenEntropyBytes yields >=128 bits of entropy before base58 encoding
// (spec.md §3 "Token ... at least 128 bits of entropy, base58-encoded").
const tokenEntropyBytes = 20

// GenerateChallengeToken returns a fresh base58-encoded challenge token,
// generalizing GenerateSecureToken's crypto/rand source to the pack's
// base58 alphabet (mr-tron/base58, used elsewhere in the pack for
// human-copyable identifiers) instead of hex, since end users copy
// challenge tokens into the email, tweet or Matrix message they send.
func GenerateChallengeToken() (string, error) {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto: generate challenge token: %w", err)
	}
	return base58.Encode(b), nil
}
