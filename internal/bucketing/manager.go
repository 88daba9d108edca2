package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultBuckets = 64

// Manager spreads storage keys over a fixed number of partitions so that
// wide-column tables avoid hot partitions.
type Manager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewManager(buckets int) *Manager {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	return &Manager{
		buckets: buckets,
		hasherPool: sync.Pool{
			New: func() any { return murmur3.New64() },
		},
	}
}

// Bucket returns a stable bucket in [0, Buckets()) for key.
func (m *Manager) Bucket(key string) int {
	return int(m.hash(key) % uint64(m.buckets))
}

func (m *Manager) Buckets() int {
	return m.buckets
}

func (m *Manager) hash(key string) uint64 {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
