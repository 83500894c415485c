// Package cachekey derives deterministic, injection-resistant cache keys from
// untrusted request attributes.
//
// Every attribute passes through Sanitize, which normalizes Unicode (NFC),
// strips invisible and bidirectional control characters, percent-encodes
// non-ASCII bytes and backslash-escapes structurally dangerous characters.
// The assembled key is then checked by a Validator before it is used.
//
// Key layout:
//
//	{prefix}{path}[:rv:k:v...][:qs:k:v...][:h:name:value][:c:locale][:uid:id]
//
// Colons and stray backslashes inside components are escaped so that no
// attribute value can forge a separator.
package cachekey
