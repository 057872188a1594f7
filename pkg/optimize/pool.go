package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte buffers for packet marshaling.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get returns a buffer of Size bytes. Its contents are unspecified.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns b to the pool. Buffers smaller than Size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
