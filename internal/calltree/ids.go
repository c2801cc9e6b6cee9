package calltree

import "math"

// MaxID bounds the node ids handed out by every allocator.
const MaxID int64 = math.MaxInt64

// IDAllocator hands out node ids from a namespace reserved for one tree.
// Ids are only used to reference nodes from outside the tree; node identity
// for merging is always the (function, caller path) pair.
type IDAllocator struct {
	next  int64
	limit int64
}

// NewIDAllocator returns an allocator producing ids in (offset, offset+stride].
func NewIDAllocator(offset, stride int64) *IDAllocator {
	limit := MaxID
	if stride > 0 && offset <= MaxID-stride {
		limit = offset + stride
	}
	return &IDAllocator{next: offset, limit: limit}
}

// ChunkIDAllocator reserves the k-th of chunks+1 equal id namespaces, so trees
// built by different chunks never mint the same id.
func ChunkIDAllocator(k, chunks int) *IDAllocator {
	stride := MaxID / int64(chunks+1)
	return NewIDAllocator(int64(k)*stride, stride)
}

// Next returns the next id. It panics when the namespace is exhausted since
// ids would start colliding with another namespace.
func (a *IDAllocator) Next() int64 {
	if a.next >= a.limit {
		panic("calltree: node id namespace exhausted")
	}
	a.next++
	return a.next
}
