package invite

import "testing"

func TestEncodeParseRoundTripWithRole(t *testing.T) {
	key := []byte("0123456789abcdef")
	uri := Encode("ws-123", key, "editor")

	got, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.WorkspaceID != "ws-123" {
		t.Fatalf("workspaceID = %q, want ws-123", got.WorkspaceID)
	}
	if string(got.EncryptionKey) != string(key) {
		t.Fatalf("key mismatch")
	}
	if got.Role != "editor" {
		t.Fatalf("role = %q, want editor", got.Role)
	}
}

func TestEncodeParseRoundTripWithoutRole(t *testing.T) {
	key := []byte("keybytes")
	uri := Encode("ws-456", key, "")

	got, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Role != "" {
		t.Fatalf("expected no role, got %q", got.Role)
	}
}

func TestEncodeProducesExactForm(t *testing.T) {
	uri := Encode("w1", []byte("ab"), "viewer")
	want := "nightjar://w/w1#k:YWI=&perm:viewer"
	if uri != want {
		t.Fatalf("uri = %q, want %q", uri, want)
	}
}

func TestParseRejectsWrongScheme(t *testing.T) {
	if _, err := Parse("https://w/ws-1#k:abc"); err == nil {
		t.Fatalf("expected an error for a non-nightjar scheme")
	}
}

func TestParseRejectsMissingKey(t *testing.T) {
	if _, err := Parse("nightjar://w/ws-1#perm:editor"); err == nil {
		t.Fatalf("expected an error when the k: segment is missing")
	}
}
