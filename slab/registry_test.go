package slab

import (
	"testing"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	arena := make([]byte, 8*1024*1024)
	b := buddy.New(arena, 0, buddy.Config{PageSize: buddy.PageSize, MinOrder: 0, MaxOrder: 11})
	return NewRegistry(b, 256)
}

// S5: small-buffer routing. Requests for 32 and 64 bytes land in distinct,
// lazily-created size-class caches, and freeing through Kfree (which does
// not know the cache) round-trips correctly for both.
func TestKmallocRoutesDistinctSizeClasses(t *testing.T) {
	r := newTestRegistry(t)

	buf32, addr32, err := r.Kmalloc(32)
	require.NoError(t, err)
	require.Len(t, buf32, 32)

	buf64, addr64, err := r.Kmalloc(64)
	require.NoError(t, err)
	require.Len(t, buf64, 64)

	assert.NotEqual(t, addr32, addr64)

	idx32 := sizeClassOrder(32) - SmallBufMinOrder
	idx64 := sizeClassOrder(64) - SmallBufMinOrder
	require.NotEqual(t, idx32, idx64)

	r.smallBufMu.Lock()
	c32 := r.smallBuf[idx32]
	c64 := r.smallBuf[idx64]
	r.smallBufMu.Unlock()
	require.NotNil(t, c32)
	require.NotNil(t, c64)
	assert.NotSame(t, c32, c64)

	require.NoError(t, r.Kfree(addr32))
	require.NoError(t, r.Kfree(addr64))
}

func TestKmallocLazyCreatesOnFirstUse(t *testing.T) {
	r := newTestRegistry(t)

	idx := sizeClassOrder(128) - SmallBufMinOrder
	r.smallBufMu.Lock()
	assert.Nil(t, r.smallBuf[idx])
	r.smallBufMu.Unlock()

	_, _, err := r.Kmalloc(128)
	require.NoError(t, err)

	r.smallBufMu.Lock()
	assert.NotNil(t, r.smallBuf[idx])
	r.smallBufMu.Unlock()
}

func TestKmallocRejectsOversizeRequest(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Kmalloc(1 << (SmallBufMaxOrder + 1))
	assert.ErrorIs(t, err, ErrSizeTooLarge)
}

func TestKfreeUnknownAddressReportsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Kmalloc(32)
	require.NoError(t, err)

	err = r.Kfree(r.buddy.Start() + r.buddy.TotalSize() - 8)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCreateAndDestroyCacheUnlinksFromRegistry(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.CreateCache("inode", 128, nil, nil)
	require.NoError(t, err)
	assert.Len(t, r.Caches(), 1)

	r.DestroyCache(c)
	assert.Len(t, r.Caches(), 0)
}

func TestCreateCacheZeroSizeFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateCache("bad", 0, nil, nil)
	assert.ErrorIs(t, err, ErrZeroSize)
}
