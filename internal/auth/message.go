package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Envelope is the signable shape every control message carries: a tagged
// payload plus the replay-guard fields. Signature is populated by Sign and
// stripped before re-canonicalizing in Verify.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Nonce     string          `json:"nonce"`      // 16 bytes, hex-encoded
	PublicKey string          `json:"publicKey"`  // hex-encoded Ed25519 public key
	Signature string          `json:"signature,omitempty"`
}

// NewNonce generates a fresh 16-byte nonce, hex-encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Sign canonicalizes env (with Signature cleared) and computes a detached
// Ed25519 signature over the canonical bytes, returning env with
// Signature populated.
func Sign(env Envelope, priv ed25519.PrivateKey) (Envelope, error) {
	env.Signature = ""
	canon, err := canonicalize(env)
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(priv, canon)
	env.Signature = hex.EncodeToString(sig)
	return env, nil
}

// Verify strips env's signature, re-canonicalizes the remainder, and
// checks the detached signature against pub. Never panics or returns an
// error for a bad signature — the bool is the whole answer, per the
// "verify never throws" contract.
func Verify(env Envelope, pub ed25519.PublicKey) bool {
	sigHex := env.Signature
	env.Signature = ""

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	canon, err := canonicalize(env)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canon, sig)
}

// nowMillis is a seam so tests can fix a timestamp without waiting on the
// wall clock; production code always calls time.Now().
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// NewSignedEnvelope builds and signs an Envelope for msgType/payload,
// stamping the current timestamp, a fresh nonce, and pub's hex form.
func NewSignedEnvelope(msgType string, payload json.RawMessage, pub ed25519.PublicKey, priv ed25519.PrivateKey) (Envelope, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: nowMillis(),
		Nonce:     nonce,
		PublicKey: hex.EncodeToString(pub),
	}
	return Sign(env, priv)
}
