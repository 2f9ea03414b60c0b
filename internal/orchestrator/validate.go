// ABOUTME: Input validation for chain addresses and decimal amounts
// ABOUTME: Addresses follow EIP-55 checksums; amounts are positive integers in minor units

package orchestrator

import (
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	decimalPattern = regexp.MustCompile(`^[0-9]+$`)
)

// Agent tokens are opaque but bounded.
const (
	MinAgentTokenLength = 16
	MaxAgentTokenLength = 256
)

// ChecksumAddress returns the EIP-55 mixed-case form of a 0x-prefixed hex
// address. The input is assumed to be well formed.
func ChecksumAddress(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// ValidateAddress checks a chain address. All-lowercase and all-uppercase
// addresses carry no checksum and are accepted; mixed case must match EIP-55.
func ValidateAddress(addr string) error {
	if !addressPattern.MatchString(addr) {
		return validation(CodeInvalidAddress, "Invalid recipient address")
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if ChecksumAddress(addr) != addr {
		return validation(CodeInvalidAddress, "Address checksum mismatch")
	}
	return nil
}

// ValidateValue checks that v is a positive integer written in decimal.
func ValidateValue(v string) error {
	if !decimalPattern.MatchString(v) {
		return validation(CodeInvalidValue, "Value must be a positive integer in wei")
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() <= 0 {
		return validation(CodeInvalidValue, "Value must be greater than zero")
	}
	return nil
}

func validAgentToken(token string) error {
	if token == "" {
		return validation(CodeMissingFields, "agentToken is required")
	}
	if len(token) < MinAgentTokenLength || len(token) > MaxAgentTokenLength {
		return validation(CodeInvalidAgentToken, "Agent token must be 16 to 256 characters")
	}
	return nil
}
