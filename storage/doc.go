// Package storage provides the durable keyed storage for configuration
// documents and device records.
//
// The bottom layer is a set of interchangeable key-value backends behind
// the interfaces.Store contract: in-memory (tests and ephemeral setups),
// local filesystem, Amazon S3 and HashiCorp Vault KV v2, created from
// location URIs by StoreFactory.
//
// On top of the raw key-value store sit DocumentCollection and
// DeviceCollection: tenant-scoped collections holding an in-memory index of
// all records, writing through to the backend. DocumentCollection
// additionally maintains the parent and child indexes of the configuration
// inheritance graph, so ancestor and descendant queries used for cache
// invalidation are set operations over IDs rather than repeated store
// reads.
package storage
