// Package httpcache serves chi routes through a cache.Engine.
//
// Middleware is mounted inline so the matched route pattern can select the
// route's cache.Policy:
//
//	mw := httpcache.Middleware(engine, httpcache.Options{Policies: cfg.Policies()})
//	r.Use(httpcache.Correlate, httpcache.Authenticate(authn, logger))
//	r.With(mw).Get("/products/{id}", productPage)
//	r.Mount("/admin/cache", httpcache.AdminRoutes(engine, httpcache.AdminOptions{}))
//
// Every response carries X-Cache: HIT, MISS or BYPASS. Concurrent misses
// on one page render it once.
package httpcache
