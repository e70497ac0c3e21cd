package adapters

import (
	"encoding/base64"
	"regexp"
	"unicode/utf8"
)

var signatureCharset = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

const minClientSignatureLen = 10

// sanitizeClientSignature accepts only base64-looking client signatures.
func sanitizeClientSignature(sig string) string {
	if len(sig) < minClientSignatureLen || !signatureCharset.MatchString(sig) {
		return ""
	}
	return sig
}

// encodeSignature converts a client-facing signature to the backend form.
func encodeSignature(sig string) string {
	return base64.StdEncoding.EncodeToString([]byte(sig))
}

// decodeSignature converts a backend signature to the client-facing form.
// Values that are not base64 of UTF-8 text pass through unchanged.
func decodeSignature(sig string) string {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || !utf8.Valid(raw) {
		return sig
	}
	return string(raw)
}

// thinkingEligible decides whether reasoning can be enabled for this turn.
func thinkingEligible(req *MessagesRequest, messages []Message, cache SignatureCache, scope string) bool {
	if !req.Thinking.Requested() {
		return false
	}

	var lastAssistant *Message
	priorThinking := false
	for i := range messages {
		if messages[i].Role != RoleAssistant {
			continue
		}
		lastAssistant = &messages[i]
		if hasBlock(messages[i].Content, BlockThinking, BlockRedactedThinking) {
			priorThinking = true
		}
	}

	if lastAssistant != nil &&
		hasBlock(lastAssistant.Content, BlockToolUse) &&
		!hasBlock(lastAssistant.Content, BlockThinking, BlockRedactedThinking) {
		return false
	}

	if !priorThinking {
		return true
	}
	return cache != nil && cache.Get(scope) != ""
}

func hasBlock(content Content, types ...BlockType) bool {
	for _, b := range content {
		for _, t := range types {
			if b.Type == t {
				return true
			}
		}
	}
	return false
}
