package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/shehryarbajwa/claimharvest/internal/config"
)

// Viewer is a running container with a browser on a virtual display,
// reachable over noVNC by the operator and over CDP by the backend.
type Viewer struct {
	ContainerID   string
	SessionID     string
	CDPURL        string
	ViewerURL     string
	WebsockifyURL string
}

// Pool launches and stops viewer containers
type Pool struct {
	client *client.Client
	cfg    config.ViewerConfig
	// host is where published container ports are reachable from this process.
	host string
}

// NewPool creates a docker-backed viewer pool
func NewPool(cfg config.ViewerConfig) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client: cli,
		cfg:    cfg,
		host:   "localhost",
	}, nil
}

// Launch starts a viewer container for the session and waits for its CDP endpoint
func (p *Pool) Launch(ctx context.Context, sessionID string) (*Viewer, error) {
	vncPort := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.NoVNCPort))
	cdpPort := nat.Port(fmt.Sprintf("%d/tcp", p.cfg.CDPPort))

	containerConfig := &container.Config{
		Image: p.cfg.Image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "claimharvest",
		},
		Env: []string{"DISPLAY=:99"},
		ExposedPorts: nat.PortSet{
			vncPort: struct{}{},
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			vncPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
			cdpPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		ShmSize:    p.cfg.ShmSize,
		AutoRemove: false,
	}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	name := "viewer-" + sessionID
	if len(sessionID) > 8 {
		name = "viewer-" + sessionID[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	vncBindings := inspect.NetworkSettings.Ports[vncPort]
	cdpBindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(vncBindings) == 0 || len(cdpBindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s published no ports", resp.ID[:12])
	}
	vncHostPort := vncBindings[0].HostPort
	cdpHostPort := cdpBindings[0].HostPort

	if err := p.waitForCDP(ctx, cdpHostPort); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	scheme := "http"
	if p.cfg.PublicTLS {
		scheme = "https"
	}

	slog.Info("viewer container started", "session_id", sessionID, "container", resp.ID[:12], "novnc_port", vncHostPort)

	return &Viewer{
		ContainerID:   resp.ID,
		SessionID:     sessionID,
		CDPURL:        fmt.Sprintf("http://%s:%s", p.host, cdpHostPort),
		ViewerURL:     fmt.Sprintf("%s://%s:%s/vnc.html?resize=remote&autoconnect=true", scheme, p.cfg.PublicHost, vncHostPort),
		WebsockifyURL: fmt.Sprintf("ws://%s:%s/websockify", p.host, vncHostPort),
	}, nil
}

// Stop stops and removes the container
func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsRunning reports whether the container is still up
func (p *Pool) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// EnsureImage pulls the viewer image when it is missing locally
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.cfg.Image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// remove force-deletes a container that never became usable
func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove viewer container", "container", containerID, "error", err)
	}
}

// waitForCDP polls /json/version until the browser accepts debugger connections
func (p *Pool) waitForCDP(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://%s:%s/json/version", p.host, port)
	maxRetries := 40 // 20 seconds total

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
