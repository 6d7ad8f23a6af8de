package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"surface.scanners/internal/core/domain"
	"surface.scanners/internal/core/ports"
)

// Engine is one rootbox connection. Every call runs under a bounded timeout.
type Engine struct {
	cli             *client.Client
	timeout         time.Duration
	transferTimeout time.Duration
	auth            map[string]string
}

func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) ListContainers(ctx context.Context, all bool) ([]domain.ContainerSummary, error) {
	ctx, cancel := e.call(ctx)
	defer cancel()

	list, err := e.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, mapError("list containers", err)
	}
	out := make([]domain.ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summary(c))
	}
	return out, nil
}

func summary(c types.Container) domain.ContainerSummary {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return domain.ContainerSummary{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		CreatedAt: c.Created,
		Status:    c.Status,
		State:     c.State,
	}
}

func (e *Engine) PullImage(ctx context.Context, ref, tag string) error {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	if tag != "" {
		ref = ref + ":" + tag
	}
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: e.auth[registryHost(ref)]})
	if err != nil {
		return mapError("pull "+ref, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (e *Engine) CreateContainer(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	ctx, cancel := e.call(ctx)
	defer cancel()

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostCfg := &container.HostConfig{
		Privileged: spec.Privileged,
		Binds:      spec.Binds,
	}
	exposed := nat.PortSet{}
	if len(spec.PortBindings) > 0 {
		hostCfg.PortBindings = nat.PortMap{}
		for ctrPort, hostPort := range spec.PortBindings {
			p := nat.Port(ctrPort)
			exposed[p] = struct{}{}
			hostCfg.PortBindings[p] = []nat.PortBinding{{HostPort: hostPort}}
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: exposed,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", mapError("create container "+spec.Name, err)
	}
	return resp.ID, nil
}

func (e *Engine) PutArchive(ctx context.Context, containerID, path string, archive io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	if err := e.cli.CopyToContainer(ctx, containerID, path, archive, types.CopyToContainerOptions{}); err != nil {
		return mapError("put archive", err)
	}
	return nil
}

func (e *Engine) Start(ctx context.Context, containerID string) error {
	ctx, cancel := e.call(ctx)
	defer cancel()

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return mapError("start container", err)
	}
	return nil
}

func (e *Engine) Wait(ctx context.Context, containerID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, mapError("wait container", err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (e *Engine) Logs(ctx context.Context, containerID string, opts ports.LogsOptions) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	lo := container.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Timestamps: opts.Timestamps,
	}
	if !opts.Since.IsZero() {
		lo.Since = formatSince(opts.Since)
	}
	rc, err := e.cli.ContainerLogs(ctx, containerID, lo)
	if err != nil {
		return nil, mapError("container logs", err)
	}
	defer rc.Close()

	// scanner containers run without a TTY, so the stream is multiplexed
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	return buf.Bytes(), nil
}

// formatSince renders t as the seconds.nanoseconds form dockerd accepts.
func formatSince(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

func (e *Engine) ExitCode(ctx context.Context, containerID string) (int, error) {
	ctx, cancel := e.call(ctx)
	defer cancel()

	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, mapError("inspect container", err)
	}
	if info.State == nil {
		return 0, fmt.Errorf("inspect container %s: no state", containerID)
	}
	return info.State.ExitCode, nil
}

func (e *Engine) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)

	rc, _, err := e.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		cancel()
		return nil, mapError("get archive", err)
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}, nil
}

// cancelReadCloser releases the transfer deadline once the stream is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (e *Engine) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := e.call(ctx)
	defer cancel()

	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return mapError("remove container", err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.cli.Close()
}

func mapError(op string, err error) error {
	switch {
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", op, ports.ErrNameConflict, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, ports.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
