// Package connection provides a thread-safe TCP connection pool keyed by
// remote host. The admin client uses it to reuse connections to coordinator
// nodes instead of re-dialing for every command.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps net.Conn with a reference to its owning pool so the
// connection can be released with an ordinary Close.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool; the underlying TCP connection
// stays open. Use ForceClose to discard it.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection permanently without
// returning it to the pool.
func (c *PooledConn) ForceClose() error {
	err := c.Conn.Close()
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return err
}

// hostPool manages the connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// PoolManager manages one hostPool per remote host.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager creates a manager. maxSize bounds the open connections per
// host; timeout applies when dialing new connections.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection for the given address, creating the host pool
// on first use.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			factory := func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, m.timeout)
			}
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: factory,
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		// Pool exhausted; wait for a connection to come back.
		return <-p.conns, nil
	}
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

// discard accounts for a connection that was force-closed by its holder.
func (p *hostPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down every host pool and its connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
