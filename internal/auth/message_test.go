package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := genKey(t)

	env, err := NewSignedEnvelope("announce", json.RawMessage(`{"topic":"t1"}`), pub, priv)
	if err != nil {
		t.Fatalf("NewSignedEnvelope: %v", err)
	}

	if !Verify(env, pub) {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	pub, priv := genKey(t)
	env, _ := NewSignedEnvelope("announce", json.RawMessage(`{"topic":"t1"}`), pub, priv)

	env.Payload = json.RawMessage(`{"topic":"t2"}`)
	if Verify(env, pub) {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	pub, priv := genKey(t)
	otherPub, _ := genKey(t)

	env, _ := NewSignedEnvelope("announce", json.RawMessage(`{}`), pub, priv)
	if Verify(env, otherPub) {
		t.Fatalf("expected verification against the wrong public key to fail")
	}
}

func TestVerifyNeverPanicsOnGarbageSignature(t *testing.T) {
	pub, priv := genKey(t)
	env, _ := NewSignedEnvelope("announce", json.RawMessage(`{}`), pub, priv)
	env.Signature = "not-hex-at-all!!"

	if Verify(env, pub) {
		t.Fatalf("garbage signature must not verify")
	}
}

func TestCanonicalizeIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	encA, err := canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	encB, err := canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(encA) != string(encB) {
		t.Fatalf("canonical forms differ: %s vs %s", encA, encB)
	}
}
