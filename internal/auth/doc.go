// Package auth verifies bearer tokens for the control API and enforces the
// read, control and telemetry scopes.
//
// Tokens are HS256 (shared secret) or RS256 (static PEM key or JWKS). With
// no verifier configured the daemon trusts its local listener and treats
// every caller as the local operator.
package auth
