// Package auth implements the token-based authentication and authorization
// core: credential verification, access/refresh token issuance with rotation
// and blacklisting, multi-device session tracking, and composable permission
// evaluation.
//
// The package is a stateless decision layer. The only mutable shared state
// lives behind the Store and Ledger interfaces; every mutation goes through
// their atomic primitives. All token errors fail closed: when the backing
// store is unreachable the caller gets ErrStoreUnavailable and must deny.
package auth
