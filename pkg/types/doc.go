/*
Package types provides the core interfaces and data structures shared by dircache components.

# Architecture Overview

dircache is the data-access layer of a locality directory. Reads flow through a layered
cache before reaching the remote repository:

	┌─────────────────────────────────────────────┐
	│        Admin API / embedding process        │
	│        (pkg/api, cmd/dircached)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Session context                 │
	│           (internal/directory)              │
	└─────────────────────────────────────────────┘
	      │             │              │
	┌─────┴──────┐ ┌────┴─────┐ ┌──────┴──────┐
	│ Coordinator│ │ Tracker  │ │  Preloader  │
	│ store+bolt │ │          │ │             │
	└─────┬──────┘ └──────────┘ └─────────────┘
	      │
	┌─────┴──────────────────────────────────────┐
	│  Repository (S3 documents, static fallback) │
	└─────────────────────────────────────────────┘

# Core Interfaces

Repository is the read side of the remote document store: lookups by id and by Filter.
WritableRepository adds the admin write path. Implementations report failures with
pkg/errors codes so callers can tell a missing entity (ENTITY_NOT_FOUND) apart from an
unreachable store (SERVICE_UNAVAILABLE).

# Data Structures

Entity is the typed directory listing. Provider-specific attributes live in its Metadata
map and never merge into the typed fields.

Environment describes what the host process offers (durable storage, network). It is
passed in explicitly so no component probes its runtime.
*/
package types
