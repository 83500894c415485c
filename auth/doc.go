// Package auth resolves the identity behind a request.
//
// The page cache needs a stable identifier for callers that opted into
// per-user caching, plus a role check for the administrative invalidation
// endpoints. Bearer JWTs and hashed API keys are supported. Authenticators
// read request headers only, so they stay independent of the router.
//
// Credential failures wrap ErrUnauthenticated; the HTTP layer turns them into
// 401 and any other authenticator error into 500.
package auth
