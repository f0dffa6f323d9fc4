package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Resource caps applied to every managed container.
const (
	memoryLimitBytes = 512 * 1024 * 1024
	nanoCPUs         = 500_000_000
	stopGrace        = 10 * time.Second
)

// RunOptions describe a container to create and start.
type RunOptions struct {
	// Name overrides the canonical renderlite-<subdomain> name.
	Name          string
	Image         string
	Subdomain     string
	Env           map[string]string
	ContainerPort int
	CustomDomains []string
}

// Run creates and starts a managed container. An existing container under the
// target name is stopped and removed first.
func (c *Client) Run(ctx context.Context, opts RunOptions) (string, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if strings.TrimSpace(opts.Subdomain) == "" {
		return "", fmt.Errorf("subdomain cannot be empty")
	}
	name := opts.Name
	if name == "" {
		name = ContainerName(opts.Subdomain)
	}
	port := opts.ContainerPort
	if port <= 0 {
		port = 3000
	}

	if err := c.Stop(ctx, name); err != nil && !IsNotFound(err) {
		return "", fmt.Errorf("stop existing container: %w", err)
	}
	if err := c.Remove(ctx, name); err != nil {
		return "", fmt.Errorf("remove existing container: %w", err)
	}

	env := make([]string, 0, len(opts.Env))
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	exposed := nat.Port(fmt.Sprintf("%d/tcp", port))
	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{exposed: {}},
		Labels:       RouteLabels(opts.Subdomain, c.cfg.Network, c.cfg.BaseDomain, port, c.cfg.EnableTLS, opts.CustomDomains),
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   memoryLimitBytes,
			NanoCPUs: nanoCPUs,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			c.cfg.Network: {},
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// Stop gracefully stops a container by id or name, tolerating one that is
// already stopped.
func (c *Client) Stop(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	grace := int(stopGrace.Seconds())
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{Timeout: &grace}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove stops (best effort) then force-removes a container by id or name.
// A missing container is not an error.
func (c *Client) Remove(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	_ = c.Stop(ctx, ref)
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Rename moves a container onto a new name.
func (c *Client) Rename(ctx context.Context, containerID, name string) error {
	if err := c.inner.ContainerRename(ctx, containerID, name); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("rename container: %w", err)
	}
	return nil
}

// IP reads the container's address on the managed network.
func (c *Client) IP(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	endpoint, ok := inspect.NetworkSettings.Networks[c.cfg.Network]
	if !ok || endpoint.IPAddress == "" {
		return "", fmt.Errorf("container %s not attached to network %s", containerID, c.cfg.Network)
	}
	return endpoint.IPAddress, nil
}

// IsRunning reports whether the container exists and is running. A missing
// container is simply not running.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ManagedContainer is a platform-labelled container summary.
type ManagedContainer struct {
	ID        string
	Name      string
	Subdomain string
}

// ListManaged enumerates all containers bearing the platform label,
// whatever their state.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	managed := make([]ManagedContainer, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		managed = append(managed, ManagedContainer{
			ID:        item.ID,
			Name:      name,
			Subdomain: item.Labels[LabelSubdomain],
		})
	}
	return managed, nil
}

// ReapExited removes every managed container in exited state. Containers that
// cannot be removed are left for the next sweep.
func (c *Client) ReapExited(ctx context.Context) (int, error) {
	args := filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("status", "exited"),
	)
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list exited containers: %w", err)
	}
	removed := 0
	for _, item := range list {
		if err := c.inner.ContainerRemove(ctx, item.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// IsNotFound reports whether err wraps the package's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
