package ipc

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to the control socket of a running runtime.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for display.
func NewClient(display string) *Client {
	return &Client{
		socketPath: SocketPath(display),
		timeout:    5 * time.Second,
	}
}

// NewClientWithTimeout creates a client with a custom timeout.
func NewClientWithTimeout(display string, timeout time.Duration) *Client {
	c := NewClient(display)
	c.timeout = timeout
	return c
}

// Path returns the socket the client connects to.
func (c *Client) Path() string {
	return c.socketPath
}

// Status queries the runtime status.
func (c *Client) Status() (*structpb.Struct, error) {
	return c.Query(QueryStatus)
}

// Query sends a named query and returns the response.
func (c *Client) Query(name string) (*structpb.Struct, error) {
	resp, err := c.sendMessage(NewQuery(name))
	if err != nil {
		return nil, err
	}
	if err := ResponseError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// IsRunning reports whether a runtime answers on the socket.
func (c *Client) IsRunning() bool {
	_, err := c.Status()
	return err == nil
}

func (c *Client) sendMessage(msg *structpb.Struct) (*structpb.Struct, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := writeMessage(conn, msg); err != nil {
		return nil, err
	}
	return readMessage(conn)
}
