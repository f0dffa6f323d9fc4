package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// ErrNotFound reports that the engine does not know the referenced container
// or image.
var ErrNotFound = errors.New("docker: not found")

// Config carries the routing context applied to managed containers.
type Config struct {
	Network    string
	BaseDomain string
	EnableTLS  bool
}

// Client wraps the Docker SDK client for platform-managed containers.
type Client struct {
	inner *client.Client
	cfg   Config
}

// New creates a Docker client using environment defaults. A non-empty host
// overrides DOCKER_HOST.
func New(host string, cfg Config) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, cfg: cfg}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Network reports the managed network containers are attached to.
func (c *Client) Network() string {
	return c.cfg.Network
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
