// Package adapters converts between the Anthropic Messages API and the
// Gemini generate-content API served by the Antigravity backend.
//
// DESIGN: Conversion is split by direction:
//
//   - RequestTranscoder: Messages request -> GeminiRequest (request.go)
//   - SanitizeSchema:    tool JSON Schema -> restricted schema (schema.go)
//   - StreamTranscoder:  backend SSE -> Messages API events (stream.go)
//   - Accumulator:       the same events -> one MessageResponse (accumulate.go)
//
// FLOW:
//  1. Gateway transcodes the client request and posts it inside the envelope
//  2. Backend streams "data: {...}" chunks, always, even for non-stream clients
//  3. StreamTranscoder emits events; Pipe writes them or Accumulate folds them
//
// Thought signatures connect both directions: the stream side stores them in
// a SignatureCache and the request side reads them back on the next turn.
package adapters

// SignatureCache is the view of the signature store the transcoders need.
// Implementations must be safe for concurrent use.
type SignatureCache interface {
	Store(sig, scope string)
	Get(scope string) string
	CacheToolSignature(scope, toolID, sig string)
	GetToolSignature(scope, toolID string) string
}
