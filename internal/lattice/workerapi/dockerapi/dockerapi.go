// Package dockerapi implements the worker API against a local Docker Engine.
// Each sprite is one labeled container; wake and sleep map to container start
// and stop. Used for development fleets where no remote worker API exists.
package dockerapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/latticehq/lattice/internal/lattice/workerapi"
)

const (
	labelManagedBy = "lattice.managed-by"
	labelSpriteID  = "lattice.sprite-id"
	managedByValue = "lattice"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second

	// DefaultNetwork is the bridge network sprite containers attach to.
	DefaultNetwork = "lattice"
)

// Adapter implements workerapi.Client using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
	image   string
}

// New creates an adapter from the DOCKER_HOST env var or the default socket.
// image is the container image run for newly spawned sprites.
func New(networkName, image string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkName == "" {
		networkName = DefaultNetwork
	}
	return &Adapter{client: cli, network: networkName, image: image}, nil
}

// EnsureNetwork creates the lattice Docker network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Spawn creates and starts a new sprite container.
func (a *Adapter) Spawn(ctx context.Context, id string) error {
	if a.image == "" {
		return fmt.Errorf("no sprite image configured")
	}
	containerCfg := &container.Config{
		Image: a.image,
		Env:   []string{"SPRITE_ID=" + id},
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelSpriteID:  id,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.network: {},
		},
	}
	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerNameFor(id))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (a *Adapter) ListSprites(ctx context.Context) ([]workerapi.Sprite, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	sprites := make([]workerapi.Sprite, 0, len(containers))
	for _, c := range containers {
		id := c.Labels[labelSpriteID]
		if id == "" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		sprites = append(sprites, workerapi.Sprite{
			ID:        id,
			Name:      name,
			Status:    spriteStatus(c.State),
			CreatedAt: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
		})
	}
	return sprites, nil
}

func (a *Adapter) GetSprite(ctx context.Context, id string) (workerapi.Sprite, error) {
	inspect, err := a.client.ContainerInspect(ctx, containerNameFor(id))
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return workerapi.Sprite{}, workerapi.ErrNotFound
		}
		return workerapi.Sprite{}, fmt.Errorf("inspect container: %w", err)
	}
	sprite := workerapi.Sprite{
		ID:        id,
		Name:      strings.TrimPrefix(inspect.Name, "/"),
		Status:    spriteStatus(inspect.State.Status),
		CreatedAt: inspect.Created,
	}
	if inspect.State.StartedAt != "" {
		sprite.LastStartedAt = inspect.State.StartedAt
	}
	return sprite, nil
}

func (a *Adapter) Wake(ctx context.Context, id string) error {
	err := a.client.ContainerStart(ctx, containerNameFor(id), container.StartOptions{})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return workerapi.ErrNotFound
		}
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Sleep(ctx context.Context, id string) error {
	timeout := int(stopTimeout.Seconds())
	err := a.client.ContainerStop(ctx, containerNameFor(id), container.StopOptions{Timeout: &timeout})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return workerapi.ErrNotFound
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Exec(ctx context.Context, id, cmd string) (workerapi.ExecResult, error) {
	execID, attach, err := a.startExec(ctx, id, cmd)
	if err != nil {
		return workerapi.ExecResult{}, err
	}
	defer attach.Close()

	var out strings.Builder
	// stdout and stderr are interleaved into one transcript.
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return workerapi.ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := a.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return workerapi.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return workerapi.ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

func (a *Adapter) ExecStream(ctx context.Context, id, cmd string) (<-chan workerapi.Chunk, error) {
	execID, attach, err := a.startExec(ctx, id, cmd)
	if err != nil {
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	ch := make(chan workerapi.Chunk)
	lines := make(chan workerapi.Chunk)
	go pipeLines(ctx, stdoutR, workerapi.StreamStdout, lines)
	go pipeLines(ctx, stderrR, workerapi.StreamStderr, lines)

	go func() {
		defer close(ch)
		defer attach.Close()
		// Two pipeLines goroutines each send a nil-data sentinel on EOF.
		closed := 0
		for closed < 2 {
			select {
			case chunk := <-lines:
				if chunk.Stream == "" {
					closed++
					continue
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
		exitCode := 0
		if inspect, err := a.client.ContainerExecInspect(ctx, execID); err == nil {
			exitCode = inspect.ExitCode
		}
		select {
		case ch <- workerapi.Chunk{Stream: workerapi.StreamExit, ExitCode: exitCode}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (a *Adapter) FetchLogs(ctx context.Context, id string, limit int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if limit > 0 {
		opts.Tail = strconv.Itoa(limit)
	}
	rc, err := a.client.ContainerLogs(ctx, containerNameFor(id), opts)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, workerapi.ErrNotFound
		}
		return nil, fmt.Errorf("container logs %s: %w", id, err)
	}
	defer rc.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// --- helpers ---

func (a *Adapter) startExec(ctx context.Context, id, cmd string) (string, *dockerTypesHijack, error) {
	exec, err := a.client.ContainerExecCreate(ctx, containerNameFor(id), container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", nil, workerapi.ErrNotFound
		}
		return "", nil, fmt.Errorf("create exec: %w", err)
	}
	attach, err := a.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("attach exec: %w", err)
	}
	return exec.ID, &dockerTypesHijack{attach.Reader, attach.Close}, nil
}

// dockerTypesHijack narrows the hijacked response to what the adapter reads.
type dockerTypesHijack struct {
	Reader io.Reader
	close  func()
}

func (h *dockerTypesHijack) Close() { h.close() }

// pipeLines sends one chunk per line, then an empty sentinel chunk on EOF.
func pipeLines(ctx context.Context, r io.Reader, stream string, out chan<- workerapi.Chunk) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case out <- workerapi.Chunk{Stream: stream, Data: scanner.Text() + "\n"}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case out <- workerapi.Chunk{}:
	case <-ctx.Done():
	}
}

func spriteStatus(state string) string {
	switch strings.ToLower(state) {
	case "running":
		return workerapi.StatusRunning
	case "paused":
		return workerapi.StatusWarm
	default:
		return workerapi.StatusCold
	}
}

func containerNameFor(id string) string {
	return "lattice-sprite-" + id
}

var _ workerapi.Client = (*Adapter)(nil)
