/*
Package config loads dircache configuration from compiled-in defaults, a YAML file and
DIRCACHE_* environment variables, in that order of increasing precedence.

	defaults  →  YAML file  →  environment

Every tunable named by the caching layer lives here: entry store capacity and TTLs, the
durable tier location and schema version, popularity scoring weights, preload pacing, and
repository resilience settings.

Example file:

	global:
	  log_level: DEBUG
	cache:
	  max_size: 200
	  default_ttl: 10m
	durable:
	  path: /var/cache/dircache/cache.bbolt
	  schema_version: 2
	repository:
	  backend: s3
	  s3:
	    bucket: directory-listings
	    prefix: services/
*/
package config
