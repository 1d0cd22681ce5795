/*
Package metrics exports cache and repository metrics in the Prometheus format.

A Collector owns a private prometheus.Registry, so several sessions in one process (tests,
for example) never collide on registration. It implements the recorder interfaces of the
cache, preload and repository packages and is served over HTTP by Handler:

	dircache_cache_requests_total{tier,result}   lookups per tier (memory, durable)
	dircache_fetches_total{kind,status}          repository fetches by outcome code
	dircache_fetch_duration_seconds{kind}        fetch latency histogram
	dircache_dedup_joins_total{kind}             callers that joined an in-flight fetch
	dircache_preload_items_total{outcome}        loaded, skipped, failed
	dircache_fallback_total{shape}               reads served by the static dataset
	dircache_cache_entries{tier}                 entries held per tier
	dircache_circuit_state{name}                 0 closed, 1 open, 2 half-open
	dircache_tracker_events                      visit log length

A disabled Collector accepts every call and records nothing; its Handler returns 404.

Per-kind fetch statistics are also kept in memory for the admin API:

	stats := collector.FetchStats()["entity"]
	fmt.Println(stats.Count, stats.Errors, stats.AvgDuration)
*/
package metrics
