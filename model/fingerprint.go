package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a stable digest of a flow definition. Two definitions
// with equal fingerprints deploy identically, which lets the engine leave
// unchanged flows running across redeploys. Map keys are serialized in
// sorted order, so the digest does not depend on map iteration.
func Fingerprint(f FlowDef) string {
	data, err := json.Marshal(f)
	if err != nil {
		// Unmarshalable config can never compare equal.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
