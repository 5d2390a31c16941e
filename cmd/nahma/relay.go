package main

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nahma/nahma-core/internal/auth"
	"github.com/nahma/nahma-core/internal/transport/relay"
)

// relayHandler authenticates an inbound relay connection against its
// query-string-carried signed envelope before handing the socket off to
// the relay server, applying spec.md's "peers authenticate with signed
// messages" requirement to the embedded relay's WebSocket handshake.
// Expected query string: pubkey, ts, nonce, sig — the hex-encoded
// detached signature of an auth.Envelope with those fields and an empty
// payload.
func relayHandler(srv *relay.Server) http.HandlerFunc {
	guard := auth.NewReplayGuard()
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pubKeyHex := q.Get("pubkey")
		nonce := q.Get("nonce")
		sig := q.Get("sig")

		ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
		if err != nil {
			http.Error(w, "bad timestamp", http.StatusBadRequest)
			return
		}
		pubKey, err := hex.DecodeString(pubKeyHex)
		if err != nil {
			http.Error(w, "bad public key", http.StatusBadRequest)
			return
		}

		env := auth.Envelope{
			Type:      "relay-handshake",
			Payload:   json.RawMessage("null"),
			Timestamp: ts,
			Nonce:     nonce,
			PublicKey: pubKeyHex,
			Signature: sig,
		}
		if !auth.Verify(env, pubKey) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		if err := guard.Check(pubKeyHex, nonce, ts); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		slog.Debug("relay handshake authenticated", "peer", pubKeyHex)
		srv.ServeHTTP(w, r, pubKeyHex)
	}
}
