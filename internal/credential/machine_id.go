package credential

import (
	"crypto/sha256"
	"encoding/hex"
)

// deriveMachineID produces a stable 64-character identifier from a refresh
// token when a credential is loaded without one, so restarts keep reporting
// the same machine identity to the upstream.
func deriveMachineID(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
