// Package strategy implements the per-request execution pipeline and the
// network/cache strategies built on it. A Pipeline is created for every
// handled request: it runs plugin hooks in registration order, performs the
// fetch and cache operations, and tracks background work (deferred cache
// writes, network attempts that lost a timeout race) in its own task group.
// Strategies expose Handle, which waits for that group, and HandleAll, which
// lets callers answer as soon as the response is ready.
package strategy
