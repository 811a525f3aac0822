// Package auth provides client authentication for studio-gateway.
//
// # API Keys
//
// Clients authenticate with a shared-secret API key. The key is looked up in
// this order, first match wins:
//
//   - x-goog-api-key header
//   - Authorization: Bearer <key>
//   - x-api-key header
//   - key query parameter
//
// The key is compared in constant time against every configured key. Failures
// get a 401 with a JSON error body.
//
// An empty key set is refused at startup unless auth.allow_anonymous is set.
//
// # Context
//
// Authenticated handlers can read the matched key's fingerprint with:
//
//	authCtx := auth.FromContext(r.Context())
package auth
