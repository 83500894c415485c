// Package health reports whether the page cache can serve traffic.
//
// A Checker reports a Result with one of three statuses. Degraded means
// pages are still served but some of them uncached, for instance while the
// storage circuit breaker is open. The Aggregator runs every registered
// checker under a per-check deadline and folds the results into a Report
// carrying the worst status.
//
//	agg := health.NewAggregator(health.AggregatorConfig{CheckTimeout: 2 * time.Second})
//	agg.Register("cache", engine.Checker())
//	agg.Register("", health.NewBudgetChecker("cache_bytes", health.BudgetConfig{
//	    Limit: maxBytes,
//	    Usage: func() int64 { return engine.GetStatistics().SizeBytes },
//	}))
//
//	r := chi.NewRouter()
//	health.RegisterHandlers(r, agg)
package health
