// Package sharding maps user ids onto shard indices. The gateway and every
// shard node must agree on this mapping, so it is a pure function with no
// configuration beyond the shard count.
package sharding

import (
	"fmt"
	"strconv"

	"shardchat/internal/domain"
)

// ShardForID returns the 1-based shard index owning userID.
//
// The mapping is abs(id) mod shardCount, with a result of 0 mapped to
// shardCount. Shard ids start at 1 and there is no shard 0; this must be
// preserved exactly or the gateway and shard-local recomputations diverge.
func ShardForID(userID int64, shardCount int) int {
	idx := userID % int64(shardCount)
	if idx < 0 {
		idx = -idx
	}
	if idx == 0 {
		idx = int64(shardCount)
	}
	return int(idx)
}

// ShardFor parses userID and returns its shard index. Non-numeric ids are a
// validation error, never a silent mapping to shard 1.
func ShardFor(userID string, shardCount int) (int, error) {
	if shardCount < 1 {
		return 0, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user id %q is not numeric", domain.ErrValidation, userID)
	}
	return ShardForID(id, shardCount), nil
}
