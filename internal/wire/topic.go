// Package wire defines the tagged message envelope exchanged between
// peers and the signaling server, plus the bit-exact topic derivation
// every node must agree on.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveTopic computes the topic identifier for docID, optionally salted
// with a workspace password. Bit-exact: SHA256("nahma:"+docId[+":"+password]).
func DeriveTopic(docID string, password string) string {
	input := "nahma:" + docID
	if password != "" {
		input += ":" + password
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
