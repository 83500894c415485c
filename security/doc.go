// Package security decides whether rendered page content may enter the cache.
//
// A Validator inspects candidate content and returns a Verdict. Rejection is
// an ordinary result, not an error: the page is served but not stored.
//
// Validators compose through Chain, which runs them in order. The stock
// members are SizeValidator, a byte cap, and HTMLValidator, an ordered battery
// of script-injection detectors grouped into critical, high, medium and
// advanced tiers. The battery stops at the first match.
//
// Every detector runs under a short deadline. A detector that overruns is
// logged and skipped. A cancelled context rejects the content, since content
// that was not fully scanned must not be cached.
package security
