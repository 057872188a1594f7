package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetReturnsFullSize(t *testing.T) {
	pool := NewBytePool(1212)

	buf := pool.Get()
	assert.Len(t, buf, 1212)
	assert.Equal(t, 1212, pool.Size())

	pool.Put(buf[:12])
	assert.Len(t, pool.Get(), 1212, "a resliced buffer comes back at full length")
}

func TestBytePool_DropsUndersizedBuffers(t *testing.T) {
	pool := NewBytePool(64)

	pool.Put(make([]byte, 16))
	for i := 0; i < 4; i++ {
		assert.Len(t, pool.Get(), 64)
	}
}
