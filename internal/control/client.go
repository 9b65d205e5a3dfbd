package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the relay status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers retrieves the list of tracked peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var peers PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Broadcast sends payload on room to every peer of the relay.
func (c *Client) Broadcast(ctx context.Context, room, payload string) (*BroadcastResponse, error) {
	var resp BroadcastResponse
	req := BroadcastRequest{Room: room, Payload: payload}
	if err := c.do(ctx, http.MethodPost, "/broadcast", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Disconnect removes the peer at addr.
func (c *Client) Disconnect(ctx context.Context, addr string) (*DisconnectResponse, error) {
	var resp DisconnectResponse
	if err := c.do(ctx, http.MethodPost, "/disconnect", DisconnectRequest{Addr: addr}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs a request to the control socket and decodes the JSON reply.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	// Use a dummy host since we're connecting via Unix socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
