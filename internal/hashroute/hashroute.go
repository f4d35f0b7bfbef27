// Package hashroute assigns entities to worker partitions. The assignment
// is a pure function of the entity id so every node routes the same entity
// to the same partition without coordination.
package hashroute

import (
	"hash/fnv"

	"deltahub/internal/entity"
)

const PartitionCount = 16

func PartitionForEntity(id entity.ID) int {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int(h.Sum64() % PartitionCount)
}
