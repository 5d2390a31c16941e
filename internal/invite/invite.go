// Package invite parses and produces the sole bit-exact wire format the
// core imposes on callers: the invite URI
// nightjar://w/<workspaceId>#k:<base64key>[&perm:<role>].
package invite

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/nahma/nahma-core/internal/errs"
)

const scheme = "nightjar"

// Invite is the parsed form of an invite URI.
type Invite struct {
	WorkspaceID   string
	EncryptionKey []byte
	Role          string // empty means no explicit role was carried
}

// Encode produces the bit-exact invite URI for (workspaceID, key, role).
// Role may be empty, in which case the &perm: segment is omitted.
func Encode(workspaceID string, key []byte, role string) string {
	encodedKey := base64.StdEncoding.EncodeToString(key)
	uri := fmt.Sprintf("%s://w/%s#k:%s", scheme, workspaceID, encodedKey)
	if role != "" {
		uri += "&perm:" + role
	}
	return uri
}

// Parse parses a URI of exactly that form, returning ErrMalformedUpdate-
// class errors (here, the package-level sentinel below) for anything
// that does not match.
func Parse(raw string) (Invite, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Invite{}, errMalformedInvite
	}
	if u.Scheme != scheme || u.Host != "w" {
		return Invite{}, errMalformedInvite
	}

	workspaceID := strings.TrimPrefix(u.Path, "/")
	if workspaceID == "" {
		return Invite{}, errMalformedInvite
	}

	fragment := u.Fragment
	if fragment == "" {
		return Invite{}, errMalformedInvite
	}

	segments := strings.Split(fragment, "&")
	var keyB64 string
	var role string
	for _, seg := range segments {
		switch {
		case strings.HasPrefix(seg, "k:"):
			keyB64 = strings.TrimPrefix(seg, "k:")
		case strings.HasPrefix(seg, "perm:"):
			role = strings.TrimPrefix(seg, "perm:")
		}
	}
	if keyB64 == "" {
		return Invite{}, errMalformedInvite
	}

	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Invite{}, errMalformedInvite
	}

	return Invite{WorkspaceID: workspaceID, EncryptionKey: key, Role: role}, nil
}

var errMalformedInvite = fmt.Errorf("invite: malformed uri: %w", errs.ErrMalformedUpdate)
