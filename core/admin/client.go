package admin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vantus-tm/vantus/pkg/connection"
)

// Client issues admin commands to a coordinator node over pooled TCP
// connections.
type Client struct {
	addr  string
	pools *connection.PoolManager
}

// NewClient creates an admin client for the coordinator at addr.
func NewClient(addr string, dialTimeout time.Duration) *Client {
	return &Client{
		addr:  addr,
		pools: connection.NewPoolManager(4, dialTimeout),
	}
}

// Do sends one raw command line and decodes the JSON response line.
func (c *Client) Do(raw string) (Response, error) {
	conn, err := c.pools.Get(c.addr)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}

	if _, err := fmt.Fprintln(conn, raw); err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("sending command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		_ = conn.ForceClose()
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	_ = conn.Close()
	return resp, nil
}

// Close releases the pooled connections.
func (c *Client) Close() {
	c.pools.Close()
}
