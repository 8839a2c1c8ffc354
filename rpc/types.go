package rpc

// The request/response pairs below form an opaque-handle RPC surface:
// callers never see a *slab.Cache, only a uint64 handle returned by
// CacheCreate and passed back into CacheAlloc/CacheFree. Errors cross the
// wire as strings since net/rpc cannot marshal the error interface itself.

type CacheCreateRequest struct {
	Name    string
	ObjSize uint64
}

type CacheCreateResponse struct {
	Handle uint64
	Error  string
}

type CacheAllocRequest struct {
	Handle uint64
}

type CacheAllocResponse struct {
	Addr  uint64
	Error string
}

type CacheFreeRequest struct {
	Handle uint64
	Addr   uint64
}

type CacheFreeResponse struct {
	Error string
}

type KmallocRequest struct {
	Size uint64
}

type KmallocResponse struct {
	Addr  uint64
	Error string
}

type KfreeRequest struct {
	Addr uint64
}

type KfreeResponse struct {
	Error string
}

// SlabWrite/SlabRead bridge payload bytes across the RPC boundary the way
// a real syscall trampoline copies between user and kernel buffers: the
// client never holds a []byte aliasing server memory directly.

type SlabWriteRequest struct {
	Addr uint64
	Data []byte
}

type SlabWriteResponse struct {
	Error string
}

type SlabReadRequest struct {
	Addr uint64
	Len  int
}

type SlabReadResponse struct {
	Data  []byte
	Error string
}

type StatsRequest struct{}

type StatsResponse struct {
	TotalBytes uint64
	FreeBytes  uint64
	CacheCount int
	Error      string
}
