// Package credentials defines the login material accepted by a session and
// the tooling around remember-me credential blobs.
//
// A blob is a signed JWT issued by the streaming service after a successful
// remember-me login. Clients never need to trust a blob themselves (the
// service validates it on relogin) but verifying it locally lets a session
// reject an expired blob without a network round trip.
//
// Verifiers
//
//	NewHMACVerifier      : shared-secret HS256 blobs (in-process service, tests)
//	NewJWKSVerifier      : asymmetric blobs, keys fetched from a JWKS URI
//	NewDiscoveryVerifier : asymmetric blobs, JWKS URI found via OIDC discovery
//
// Inspect reads the claims of a blob without verifying its signature and is
// intended for display purposes only (e.g. the remembered user name).
package credentials
