// Package dockerbackend implements the Skill Container Runner's
// containerisation backend (spec.md §6's abstracted interface:
// networkExists, networkCreate(internal=true), runContainer, kill) against
// the Docker Engine API. Adapted from agents/shared/docker/client.go
// (client construction, EnsureNetwork, CreateContainer/StartContainer,
// Logs, RemoveContainer) and agents/shared/docker/dyad.go's pattern of
// building container.Config/HostConfig/NetworkingConfig from a declarative
// options struct.
package dockerbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the Docker Engine API client and satisfies
// skillrunner.Backend.
type Client struct {
	api *client.Client
}

// New connects to the Docker daemon using the standard environment-derived
// options (DOCKER_HOST, DOCKER_CERT_PATH, etc.), matching
// docker.NewClient's client.FromEnv construction.
func New() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerbackend: connect: %w", err)
	}
	return &Client{api: api}, nil
}

// Close releases the underlying Engine API connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// NetworkExists reports whether a network with the given name is already
// present, so callers can create networks idempotently (spec.md §9:
// "networks used by skill runs are ... safe to leak across restarts
// (re-created only if missing)").
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	list, err := c.api.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return false, err
	}
	for _, n := range list {
		if n.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// NetworkCreate creates a bridge network, internal when internal=true. An
// internal network has no default route to the host's external interfaces:
// containers attached to it can reach each other (and, when the broker
// container shares the network, the broker) but nothing beyond it — the
// Docker-level mechanism behind "broker-only" network policy.
func (c *Client) NetworkCreate(ctx context.Context, name string, internal bool) error {
	_, err := c.api.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   "bridge",
		Internal: internal,
		Labels:   map[string]string{"seks.managed": "true"},
	})
	return err
}

// RunContainer creates, starts, waits for, and removes a container running
// image on network (empty network means "none" — no attached network),
// bounded by timeout. It returns the exit code and captured stdout/stderr.
func (c *Client) RunContainer(ctx context.Context, image, name, networkName string, memoryMB int64, cpu float64, env []string, timeout time.Duration) (int, string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &container.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			"seks.managed":    "true",
			"seks.skill_run":  name,
		},
	}

	hostCfg := &container.HostConfig{
		AutoRemove: false, // removed explicitly below so logs can be collected first
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   memoryMB * 1024 * 1024,
			NanoCPUs: int64(cpu * 1e9),
		},
	}
	var netCfg *network.NetworkingConfig
	if networkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(networkName)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {},
			},
		}
	}

	resp, err := c.api.ContainerCreate(runCtx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return 0, "", "", fmt.Errorf("dockerbackend: create: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = c.api.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := c.api.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return 0, "", "", fmt.Errorf("dockerbackend: start: %w", err)
	}

	statusCh, errCh := c.api.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			_ = c.Kill(context.Background(), name)
			if runCtx.Err() != nil {
				return 0, "", "", runCtx.Err()
			}
			return 0, "", "", fmt.Errorf("dockerbackend: wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = c.Kill(context.Background(), name)
		return 0, "", "", runCtx.Err()
	}

	stdout, stderr, logErr := c.collectLogs(context.Background(), containerID)
	if logErr != nil {
		return exitCode, "", "", logErr
	}
	return exitCode, stdout, stderr, nil
}

func (c *Client) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("dockerbackend: logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("dockerbackend: demux logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Kill force-stops and removes a running skill container by name.
func (c *Client) Kill(ctx context.Context, name string) error {
	timeout := 0
	if err := c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !isNotFound(err) {
		return err
	}
	if err := c.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}
