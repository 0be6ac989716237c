package uds

import (
	"fmt"
	"net"
	"time"
)

// Client dials the daemon socket, sends one request frame and waits for
// its response.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
	connTimeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:  socketPath,
		dialTimeout: 3 * time.Second,
		connTimeout: 30 * time.Second,
	}
}

func (c *Client) SetConnTimeout(d time.Duration) {
	c.connTimeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w (is the daemon running? start it with: crewd serve)", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.connTimeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

// SendCommand is shorthand for building a request and sending it.
func (c *Client) SendCommand(command string, payload any) (*Response, error) {
	req, err := NewRequest(command, payload)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}
