package rpc

import (
	"fmt"
	"net/rpc"
)

// Client is a thin net/rpc wrapper calling cache-oriented methods and
// carrying opaque handles instead of raw pool addresses.
type Client struct {
	client *rpc.Client
}

// NewClient dials address and returns a ready Client.
func NewClient(address string) (*Client, error) {
	c, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to connect: %v", err)
	}
	return &Client{client: c}, nil
}

// CacheCreate creates a named object cache on the server and returns its
// opaque handle.
func (c *Client) CacheCreate(name string, objSize uint64) (uint64, error) {
	req := &CacheCreateRequest{Name: name, ObjSize: objSize}
	resp := &CacheCreateResponse{}
	if err := c.client.Call("Server.CacheCreate", req, resp); err != nil {
		return 0, fmt.Errorf("rpc: CacheCreate call failed: %v", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return resp.Handle, nil
}

// CacheAlloc allocates one object from the cache identified by handle.
func (c *Client) CacheAlloc(handle uint64) (uint64, error) {
	req := &CacheAllocRequest{Handle: handle}
	resp := &CacheAllocResponse{}
	if err := c.client.Call("Server.CacheAlloc", req, resp); err != nil {
		return 0, fmt.Errorf("rpc: CacheAlloc call failed: %v", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return resp.Addr, nil
}

// CacheFree returns an object to the cache identified by handle.
func (c *Client) CacheFree(handle, addr uint64) error {
	req := &CacheFreeRequest{Handle: handle, Addr: addr}
	resp := &CacheFreeResponse{}
	if err := c.client.Call("Server.CacheFree", req, resp); err != nil {
		return fmt.Errorf("rpc: CacheFree call failed: %v", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return nil
}

// Kmalloc allocates a small buffer without naming a cache.
func (c *Client) Kmalloc(size uint64) (uint64, error) {
	req := &KmallocRequest{Size: size}
	resp := &KmallocResponse{}
	if err := c.client.Call("Server.Kmalloc", req, resp); err != nil {
		return 0, fmt.Errorf("rpc: Kmalloc call failed: %v", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return resp.Addr, nil
}

// Kfree frees a buffer obtained from Kmalloc.
func (c *Client) Kfree(addr uint64) error {
	req := &KfreeRequest{Addr: addr}
	resp := &KfreeResponse{}
	if err := c.client.Call("Server.Kfree", req, resp); err != nil {
		return fmt.Errorf("rpc: Kfree call failed: %v", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return nil
}

// SlabWrite copies data into the server's arena at addr.
func (c *Client) SlabWrite(addr uint64, data []byte) error {
	req := &SlabWriteRequest{Addr: addr, Data: data}
	resp := &SlabWriteResponse{}
	if err := c.client.Call("Server.SlabWrite", req, resp); err != nil {
		return fmt.Errorf("rpc: SlabWrite call failed: %v", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return nil
}

// SlabRead copies n bytes back from the server's arena at addr.
func (c *Client) SlabRead(addr uint64, n int) ([]byte, error) {
	req := &SlabReadRequest{Addr: addr, Len: n}
	resp := &SlabReadResponse{}
	if err := c.client.Call("Server.SlabRead", req, resp); err != nil {
		return nil, fmt.Errorf("rpc: SlabRead call failed: %v", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return resp.Data, nil
}

// Stats fetches diagnostic counters, subject to the server's rate limit.
func (c *Client) Stats() (StatsResponse, error) {
	req := &StatsRequest{}
	resp := &StatsResponse{}
	if err := c.client.Call("Server.Stats", req, resp); err != nil {
		return StatsResponse{}, fmt.Errorf("rpc: Stats call failed: %v", err)
	}
	if resp.Error != "" {
		return StatsResponse{}, fmt.Errorf("rpc: server error: %s", resp.Error)
	}
	return *resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
