/*
Package types provides the shared interfaces and data structures of trajcache.

Components exchange data through these types so that no component package has to import
another one just to name a value:

	┌──────────────┐   AccessEvent    ┌───────────┐  Pattern   ┌────────────┐
	│ Entry Store  │ ───────────────▶ │ Analytics │ ─────────▶ │ Prediction │
	│ (cache)      │ ◀─────────────── │           │            │            │
	└──────┬───────┘  Recommendation  └───────────┘            └────────────┘
	       │ Persister
	┌──────▼───────┐   Record   ┌────────────┐  Backend  ┌──────────────┐
	│ Version Store│ ─────────▶ │ Persistent │ ────────▶ │ billy / S3   │
	└──────────────┘            │ Store      │           └──────────────┘
	                            └────────────┘

# Collaborator Interfaces

Computer is the only way the cache reaches the physics code. Persister is the durability
tier behind the Entry Store and is implemented by the Version Store. AccessRecorder and
AccessObserver receive Entry Store activity outside its lock. RecordSource is walked by
integrity sweeps and migrations.

# Records and Versions

A Record pairs value bytes with RecordMetadata. The metadata carries the SHA-256 checksum
of the decoded value, the schema number used by migrations and the on-disk encoding.
VersionInfo describes one entry in a key's append-only history.
*/
package types
