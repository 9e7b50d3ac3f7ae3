// Package cache holds the durable named response store that every strategy
// reads from and writes to. A cache is addressed by name (one name per
// precache generation, plus the runtime cache) and maps request-derived keys
// to fully buffered responses. Three backends share the Store contract: the
// disk store (temp file + rename, optional brotli bodies), an in-memory store,
// and a redis hash per cache name. All of them enforce the same byte quota
// semantics and surface ErrQuotaExceeded so the pipeline can run cleanup
// callbacks before the error propagates.
package cache
