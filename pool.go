package redis

import (
	"context"
	"sync"
)

// nodePool lazily dials and caches one Connection per cluster node
// address. A bad connection is invalidated by the caller that observed
// the failure; the next get redials. There is no background reconnect
// loop — reconnection happens on demand, on the next routing attempt,
// mirroring how Cluster itself only refreshes topology when a command
// hits a stale route.
type nodePool struct {
	addr string
	opts ConnOptions

	mu   sync.Mutex
	conn *Connection
}

func newNodePool(addr string, opts ConnOptions) *nodePool {
	return &nodePool{addr: addr, opts: opts}
}

func (p *nodePool) get(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.isClosed() {
		return p.conn, nil
	}
	conn, err := Connect(ctx, p.addr, p.opts)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// invalidate drops the cached connection if it is still the one the
// caller observed failing. A concurrent get may have already replaced
// it, in which case this is a no-op.
func (p *nodePool) invalidate(bad *Connection) {
	p.mu.Lock()
	if p.conn == bad {
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *nodePool) close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
