package redis

import "strconv"

// Redis key naming conventions for quorum data.
// All keys are prefixed with "quorum:" to avoid collisions.

const keyPrefix = "quorum:"

// snapshotKey returns the Hash key of one snapshot:
// quorum:snapshot:{node}:{index}
func snapshotKey(node string, index uint64) string {
	return keyPrefix + "snapshot:" + node + ":" + strconv.FormatUint(index, 10)
}

// snapshotIndexKey returns the Sorted Set of a node's snapshot indexes:
// quorum:snapshots:{node}
func snapshotIndexKey(node string) string { return keyPrefix + "snapshots:" + node }
