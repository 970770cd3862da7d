// Package handler implements the admin REST API for entity CRUD
// (Actor, Group, Membership, Resource, Policy, Token) — the surface
// that sits alongside the /client, /gateway, /relay duplex channels in
// internal/transport.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxRequestBodySize is the maximum allowed request body size (1 MiB).
const maxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent — can only log, not change status code.
		_ = err
	}
}

// ErrJSON writes an error JSON response: {"error": msg}.
func ErrJSON(w http.ResponseWriter, code int, msg string) {
	JSON(w, code, map[string]string{"error": msg})
}

// ReadBody reads the request body with a size limit to prevent OOM attacks.
func ReadBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
}

// DecodeJSON reads the request body as JSON into v with a size limit.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize+1)).Decode(v)
}
