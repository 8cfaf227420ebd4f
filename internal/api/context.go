// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

type contextKey int

const (
	ctxClaims contextKey = iota // *auth.Claims for a valid bearer token
)
