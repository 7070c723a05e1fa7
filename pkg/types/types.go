package types

import "time"

// Key identifies a record in the logical keyspace.
type Key = string

// Value is an opaque payload. The engine never inspects it.
type Value = []byte

// ShardID identifies one partition of the keyspace, in [0, shard_count).
type ShardID int

// Version is a monotonically increasing write sequence used to decide
// whether a cached entry was overwritten after a given operation.
type Version = uint64

// NoTTL marks an entry that never expires.
const NoTTL time.Duration = 0
