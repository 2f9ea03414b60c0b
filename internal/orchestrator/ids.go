// ABOUTME: Identifier and secret generation for sessions and requests
// ABOUTME: UUIDs for device handshakes, prefixed ULIDs for time-ordered requests

package orchestrator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// nonceBytes gives the pairing nonce 256 bits of entropy.
const nonceBytes = 32

func newSessionID() string {
	return uuid.NewString()
}

// newNonce returns a URL-safe random secret for a pairing session.
func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func newTransactionID() string {
	return "tx_" + ulid.Make().String()
}

func newAgentRequestID() string {
	return "agent_" + ulid.Make().String()
}
