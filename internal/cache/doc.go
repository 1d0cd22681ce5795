/*
Package cache provides the two-tier entry cache behind the directory session.

Reads resolve through three stages, fastest first:

	┌─────────────────────────────────────────────┐
	│            Coordinator.GetOrCreate          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Store (memory)                            │
	│   • bounded, insertion-order eviction       │
	│   • per-entry TTL                           │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│   DurableStore (bbolt)                      │
	│   • survives restarts                       │
	│   • schema-versioned records                │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│   FetchFunc (repository)                    │
	│   • one in-flight fetch per key             │
	└─────────────────────────────────────────────┘

A durable hit is promoted into the memory store. A fetch result is written to both tiers
unless the call passes SkipDurable. Fetch errors reach every waiting caller and are never
cached.

# Concurrent Fetches

Callers asking for the same key while a fetch is running join it instead of starting
another. The fetch itself runs on a context detached from the first caller, so a caller
that gives up (WithTimeout or its own context) does not cancel the result the others wait
for.

	c := cache.NewCoordinator(cache.CoordinatorConfig{Kind: "entity"}, store, durable, logger, recorder)
	entity, err := c.GetOrCreate(ctx, "entity:svc-1", func(ctx context.Context) (*types.Entity, error) {
		return repo.GetByID(ctx, "svc-1")
	})

# Durable Records

Each record carries the schema version it was written with and its expiry. Opening the
store with a different schema version ignores older records; ClearExpired removes expired
ones. A small metadata bucket holds state that must outlive Clear, such as persisted visit
counts.

# Patterns

InvalidatePattern accepts an exact key or a prefix ending in a single "*" (for example
"services:*"). MatchKey implements the rule for both tiers.
*/
package cache
