package dumps

import (
	"fmt"

	"codeintel/internal/cache"
)

// DocumentKey addresses a parsed document in the shared document cache.
type DocumentKey struct {
	DumpID int64
	Path   string
}

// ResultChunkKey addresses a result chunk in the shared chunk cache.
type ResultChunkKey struct {
	DumpID int64
	Index  int
}

// Caches bundles the three process-wide caches every Database instance
// reads through. They are constructed once at startup and closed at
// shutdown; all concurrent requests share them.
type Caches struct {
	Connections  *cache.Cache[int64, *Store]
	Documents    *cache.Cache[DocumentKey, *DocumentData]
	ResultChunks *cache.Cache[ResultChunkKey, *ResultChunk]
}

// NewCaches creates the shared caches with independent capacities. The
// connection cache's disposer closes the evicted sqlite handle.
func NewCaches(connectionCapacity, documentCapacity, resultChunkCapacity int) *Caches {
	return &Caches{
		Connections: cache.New[int64, *Store](connectionCapacity, func(s *Store) {
			_ = s.Close()
		}),
		Documents:    cache.New[DocumentKey, *DocumentData](documentCapacity, nil),
		ResultChunks: cache.New[ResultChunkKey, *ResultChunk](resultChunkCapacity, nil),
	}
}

// Close drains all three caches, closing any unpinned connections.
func (c *Caches) Close() {
	c.Documents.Close()
	c.ResultChunks.Close()
	c.Connections.Close()
}

func (c *Caches) String() string {
	return fmt.Sprintf("caches{connections=%d documents=%d chunks=%d}",
		c.Connections.Len(), c.Documents.Len(), c.ResultChunks.Len())
}
