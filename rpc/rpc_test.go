package rpc

import (
	"testing"

	"github.com/shenjiangwei/kmemalloc/kmem"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()

	mem, err := kmem.NewKernelGlobal(make([]byte, 4*1024*1024))
	require.NoError(t, err)

	srv, err := NewServer(mem)
	require.NoError(t, err)

	listener, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)

	client, err := NewClient(listener.Addr().String())
	require.NoError(t, err)

	return client, func() {
		client.Close()
		listener.Close()
	}
}

func TestCacheCreateAllocFreeRoundTrip(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	handle, err := client.CacheCreate("inode", 128)
	require.NoError(t, err)

	addr, err := client.CacheAlloc(handle)
	require.NoError(t, err)

	require.NoError(t, client.SlabWrite(addr, []byte("hello")))
	data, err := client.SlabRead(addr, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.NoError(t, client.CacheFree(handle, addr))
}

func TestKmallocKfreeOverRPC(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	addr, err := client.Kmalloc(48)
	require.NoError(t, err)
	require.NoError(t, client.Kfree(addr))
}

func TestMultipleClientsShareOneServer(t *testing.T) {
	mem, err := kmem.NewKernelGlobal(make([]byte, 4*1024*1024))
	require.NoError(t, err)
	srv, err := NewServer(mem)
	require.NoError(t, err)
	listener, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	defer listener.Close()

	addr := listener.Addr().String()
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			c, err := NewClient(addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			a, err := c.Kmalloc(64)
			if err != nil {
				errs <- err
				return
			}
			errs <- c.Kfree(a)
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
}

func TestStatsRateLimited(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	var limited bool
	for i := 0; i < 50; i++ {
		if _, err := client.Stats(); err != nil {
			limited = true
			break
		}
	}
	require.True(t, limited, "expected Stats to eventually hit the rate limiter")
}

func TestUnknownCacheHandleIsRejected(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	_, err := client.CacheAlloc(9999)
	require.Error(t, err)
}

