// Package rpc exposes a kmem.Allocator over net/rpc, the Go analog of the
// syscall trampoline a real kernel would use to let user space reach
// CacheCreate/CacheAlloc/CacheFree/Kmalloc/Kfree. Caches are named by
// opaque uint64 handles; objects are named by their uint64 arena addresses,
// which SlabWrite/SlabRead accept.
package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
	"github.com/shenjiangwei/kmemalloc/kmem"
	"github.com/shenjiangwei/kmemalloc/slab"

	"golang.org/x/time/rate"
)

// Server is the RPC-reachable face of one kmem.Allocator. It uses its own
// *rpc.Server rather than the net/rpc package-level default so that more
// than one Server can coexist in the same process (e.g. under test).
type Server struct {
	mu         sync.Mutex
	mem        *kmem.Allocator
	caches     map[uint64]*slab.Cache
	nextHandle uint64

	rpcServer *rpc.Server
	limiter   *rate.Limiter
}

// NewServer wraps mem and registers it for net/rpc dispatch. Stats is rate
// limited (10 calls/sec, burst 20) so a diagnostic client can't starve
// allocation traffic of the cache-list lock while cache_info-style
// diagnostics run concurrently with allocation.
func NewServer(mem *kmem.Allocator) (*Server, error) {
	s := &Server{
		mem:       mem,
		caches:    make(map[uint64]*slab.Cache),
		rpcServer: rpc.NewServer(),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
	}
	if err := s.rpcServer.Register(s); err != nil {
		return nil, fmt.Errorf("rpc: register failed: %v", err)
	}
	return s, nil
}

// Listen opens a TCP listener on address without blocking to serve it,
// letting callers (tests in particular) bind an ephemeral port and read it
// back before calling Serve.
func (s *Server) Listen(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to listen: %v", err)
	}
	return listener, nil
}

// Serve accepts connections on listener until it fails to accept.
func (s *Server) Serve(listener net.Listener) error {
	klog.Info("rpc: server listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			klog.Error("rpc: accept failed: %v", err)
			return err
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// Start is Listen followed by Serve, for callers that don't need the
// listener's resolved address (e.g. a fixed port from the command line).
func (s *Server) Start(address string) error {
	listener, err := s.Listen(address)
	if err != nil {
		return err
	}
	defer listener.Close()
	return s.Serve(listener)
}

func (s *Server) CacheCreate(req *CacheCreateRequest, resp *CacheCreateResponse) error {
	c, err := s.mem.CreateCache(req.Name, req.ObjSize, nil, nil)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}

	s.mu.Lock()
	s.nextHandle++
	h := s.nextHandle
	s.caches[h] = c
	s.mu.Unlock()

	resp.Handle = h
	return nil
}

func (s *Server) CacheAlloc(req *CacheAllocRequest, resp *CacheAllocResponse) error {
	s.mu.Lock()
	c, ok := s.caches[req.Handle]
	s.mu.Unlock()
	if !ok {
		resp.Error = "rpc: unknown cache handle"
		return nil
	}

	_, addr, err := c.Alloc()
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Addr = addr
	return nil
}

func (s *Server) CacheFree(req *CacheFreeRequest, resp *CacheFreeResponse) error {
	s.mu.Lock()
	c, ok := s.caches[req.Handle]
	s.mu.Unlock()
	if !ok {
		resp.Error = "rpc: unknown cache handle"
		return nil
	}

	if err := c.Free(req.Addr); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *Server) Kmalloc(req *KmallocRequest, resp *KmallocResponse) error {
	_, addr, err := s.mem.Kmalloc(req.Size)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Addr = addr
	return nil
}

func (s *Server) Kfree(req *KfreeRequest, resp *KfreeResponse) error {
	if err := s.mem.Kfree(req.Addr); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

func (s *Server) SlabWrite(req *SlabWriteRequest, resp *SlabWriteResponse) error {
	buf, err := s.mem.Buddy().Bytes(req.Addr, len(req.Data))
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	copy(buf, req.Data)
	return nil
}

func (s *Server) SlabRead(req *SlabReadRequest, resp *SlabReadResponse) error {
	buf, err := s.mem.Buddy().Bytes(req.Addr, req.Len)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Data = append([]byte(nil), buf...)
	return nil
}

func (s *Server) Stats(req *StatsRequest, resp *StatsResponse) error {
	if !s.limiter.Allow() {
		resp.Error = "rpc: stats rate limit exceeded"
		return nil
	}
	resp.TotalBytes = s.mem.Buddy().TotalSize()
	resp.FreeBytes = s.mem.Buddy().FreeBytes()
	resp.CacheCount = len(s.mem.Caches())
	return nil
}
