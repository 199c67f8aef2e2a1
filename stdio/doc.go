// Package stdio implements the framed standard-input/-output transport. It
// reads one JSON-RPC message per call, accepting both newline-delimited
// payloads and Content-Length-prefixed frames; existing clients speak both.
// Responses are written newline-delimited behind a single write mutex.
package stdio
