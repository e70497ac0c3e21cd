package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/compresr/antigravity-gateway/internal/adapters"
)

// sessionKeyLen is the number of hex characters kept from the digest.
const sessionKeyLen = 32

// sessionKey derives the sticky-routing key, which doubles as the signature
// scope. metadata.user_id wins; otherwise the system text and first user
// text identify the conversation. Empty requests yield "".
func sessionKey(req *adapters.MessagesRequest) string {
	var seed string
	if req.Metadata != nil && req.Metadata.UserID != "" {
		seed = req.Metadata.UserID
	} else {
		seed = req.System.Text("\n")
		for _, m := range req.Messages {
			if m.Role == adapters.RoleUser {
				seed += m.Content.Text("\n")
				break
			}
		}
	}
	if seed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:sessionKeyLen]
}

// newTraceID returns 8 random hex characters.
func newTraceID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// apiKeyFromRequest reads the client key from x-api-key or a Bearer token.
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
