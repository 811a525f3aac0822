// Package credential discovers and indexes the credential profiles the
// execution agent can be started with.
//
// A Source enumerates raw payloads keyed by a sparse, non-negative index
// (auth-<N>.json files, AUTH_JSON_<N> variables, or rows of a SQLite table).
// NewPool validates each payload as a JSON object; only valid indices take
// part in rotation, invalid ones are reported for diagnostics.
//
// Rotation order is ascending index with wrap-around:
//
//	pool.Next(1) // 3, given valid indices {1, 3, 7}
//	pool.Next(7) // 1
//	pool.Next(5) // 1, 5 is not valid
package credential
