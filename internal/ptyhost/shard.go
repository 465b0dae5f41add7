package ptyhost

import (
	"fmt"
	"hash/fnv"
)

// ShardFor deterministically maps a terminal id to a shard index in
// [0, shardCount), stable across process restarts since it depends only
// on the id's bytes (spec.md §4.3). shardCount must be a positive
// integer; non-positive values are a caller bug and return an error
// rather than silently wrapping to shard 0.
func ShardFor(terminalID string, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	if shardCount == 1 {
		return 0, nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(terminalID))
	return int(h.Sum32() % uint32(shardCount)), nil
}
