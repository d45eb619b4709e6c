// Package docstore is the structured document repository behind user profiles and the tool catalog.
//
// Documents live in named collections, carry a store-wide monotonically increasing revision,
// and can be watched through subscriptions that deliver snapshots in commit order per document.
// MemoryStore serves development and tests; PostgresStore persists to jsonb and fans changes
// out across replicas with LISTEN/NOTIFY. Guard layers an Authorizer on top of either.
package docstore
