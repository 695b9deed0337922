// Package docker implements sandbox.Adapter on top of the Docker Engine API.
// Each interactive session gets its own container whose foreground process
// is the language's shell/REPL, attached directly as its TTY.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/obot-platform/codebroker/internal/config"
	"github.com/obot-platform/codebroker/internal/sandbox"
)

// shellFor maps a language key to the command run as the container's
// foreground (interactive) process. Unlisted languages run /bin/sh, which
// replaces any CMD the image defines.
var shellFor = map[string][]string{
	"bash":       {"/bin/bash"},
	"python":     {"python3"},
	"javascript": {"node"},
	"typescript": {"node"},
	"go":         {"/bin/bash"},
}

func shellCmd(language string) []string {
	if cmd, ok := shellFor[language]; ok {
		return cmd
	}
	return []string{"/bin/sh"}
}

// Adapter implements sandbox.Adapter using the Docker Engine API.
type Adapter struct {
	client *client.Client
	cfg    *config.Config

	mu         sync.RWMutex
	containers map[string]string // sessionID -> Docker container ID
}

// New dials the Docker daemon (honoring cfg.DockerHost when set) and
// verifies connectivity with a bounded Ping before returning.
func New(ctx context.Context, cfg *config.Config) (*Adapter, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", sandbox.ErrInternal, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", sandbox.ErrUnavailable, err)
	}

	return &Adapter{
		client:     cli,
		cfg:        cfg,
		containers: make(map[string]string),
	}, nil
}

// Close releases the underlying Docker client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func containerName(sessionID string) string {
	return fmt.Sprintf("codebroker-session-%s", sessionID)
}

// handle is docker's concrete sandbox.Handle.
type handle struct {
	sessionID   string
	containerID string
	stream      *attachedStream
}

func (h *handle) SessionID() string { return h.sessionID }

// CreateInteractive creates, starts, and attaches to a session container
// whose foreground process is the language's shell.
func (a *Adapter) CreateInteractive(ctx context.Context, sessionID, language string, size sandbox.Size) (sandbox.Handle, sandbox.IOStream, error) {
	a.mu.RLock()
	_, exists := a.containers[sessionID]
	a.mu.RUnlock()
	if exists {
		return nil, nil, sandbox.ErrAlreadyExists
	}

	name := containerName(sessionID)
	image := a.cfg.ImageFor(language)

	containerCfg := &containerTypes.Config{
		Image:        image,
		Cmd:          shellCmd(language),
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"codebroker.session.id": sessionID,
			"codebroker.language":   language,
		},
	}

	hostCfg := &containerTypes.HostConfig{}
	if a.cfg.DockerNetwork != "" {
		hostCfg.NetworkMode = containerTypes.NetworkMode(a.cfg.DockerNetwork)
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, nil, classifyCreateErr(err)
	}
	containerID := resp.ID

	if err := a.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true})
		return nil, nil, fmt.Errorf("%w: starting container: %v", sandbox.ErrInternal, err)
	}

	attachResp, err := a.client.ContainerAttach(ctx, containerID, containerTypes.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		_ = a.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true})
		return nil, nil, fmt.Errorf("%w: attaching container: %v", sandbox.ErrInternal, err)
	}

	if size.Rows > 0 && size.Cols > 0 {
		_ = a.client.ContainerResize(ctx, containerID, containerTypes.ResizeOptions{
			Height: uint(size.Rows), Width: uint(size.Cols),
		})
	}

	a.mu.Lock()
	a.containers[sessionID] = containerID
	a.mu.Unlock()

	st := &attachedStream{resp: attachResp}
	h := &handle{sessionID: sessionID, containerID: containerID, stream: st}
	return h, st, nil
}

func classifyCreateErr(err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "No such image", "not found", "pull access denied"):
		return fmt.Errorf("%w: %v", sandbox.ErrImageMissing, err)
	case containsAny(msg, "permission denied"):
		return fmt.Errorf("%w: %v", sandbox.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: creating container: %v", sandbox.ErrInternal, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && bytes.Contains([]byte(s), []byte(sub)) {
			return true
		}
	}
	return false
}

// Resize changes the PTY dimensions of a live session's container.
func (a *Adapter) Resize(ctx context.Context, h sandbox.Handle, size sandbox.Size) error {
	dh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("%w: wrong handle type", sandbox.ErrInternal)
	}
	if err := a.client.ContainerResize(ctx, dh.containerID, containerTypes.ResizeOptions{
		Height: uint(size.Rows), Width: uint(size.Cols),
	}); err != nil {
		return fmt.Errorf("%w: resizing: %v", sandbox.ErrInternal, err)
	}
	return nil
}

// Stop asks the container to stop, escalating to SIGKILL after grace.
func (a *Adapter) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	dh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("%w: wrong handle type", sandbox.ErrInternal)
	}
	graceSeconds := int(grace.Seconds())
	if err := a.client.ContainerStop(ctx, dh.containerID, containerTypes.StopOptions{Timeout: &graceSeconds}); err != nil {
		return fmt.Errorf("%w: stopping container: %v", sandbox.ErrInternal, err)
	}
	return nil
}

// Remove removes the session's container. Removing a handle whose container
// is already gone is not an error.
func (a *Adapter) Remove(ctx context.Context, h sandbox.Handle) error {
	dh, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("%w: wrong handle type", sandbox.ErrInternal)
	}
	dh.stream.Close()

	err := a.client.ContainerRemove(ctx, dh.containerID, containerTypes.RemoveOptions{Force: true, RemoveVolumes: true})

	a.mu.Lock()
	delete(a.containers, dh.sessionID)
	a.mu.Unlock()

	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: removing container: %v", sandbox.ErrInternal, err)
	}
	return nil
}

// Ping reports whether the Docker daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	return nil
}

// Exec runs a single non-interactive command in a throwaway container and
// removes it afterward, sharing no state with any interactive session.
func (a *Adapter) Exec(ctx context.Context, sessionID, language string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	name := fmt.Sprintf("codebroker-exec-%s", sessionID)
	image := a.cfg.ImageFor(language)

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &containerTypes.Config{
		Image:        image,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   opts.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
		OpenStdin:    opts.Stdin != nil,
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, &containerTypes.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, classifyCreateErr(err)
	}
	defer a.client.ContainerRemove(context.Background(), resp.ID, containerTypes.RemoveOptions{Force: true})

	attachResp, err := a.client.ContainerAttach(ctx, resp.ID, containerTypes.AttachOptions{
		Stream: true, Stdin: opts.Stdin != nil, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: attaching exec container: %v", sandbox.ErrInternal, err)
	}
	defer attachResp.Close()

	if err := a.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: starting exec container: %v", sandbox.ErrInternal, err)
	}

	if opts.Stdin != nil {
		go func() {
			io.Copy(attachResp.Conn, opts.Stdin)
			attachResp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading exec output: %v", sandbox.ErrInternal, err)
	}

	waitCh, errCh := a.client.ContainerWait(ctx, resp.ID, containerTypes.WaitConditionNotRunning)
	var exitCode int
	select {
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("%w: waiting for exec container: %v", sandbox.ErrInternal, err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", sandbox.ErrTimeout, ctx.Err())
	}

	return &sandbox.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// attachedStream adapts a Docker HijackedResponse to sandbox.IOStream.
type attachedStream struct {
	resp      types.HijackedResponse
	closeOnce sync.Once
}

func (s *attachedStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *attachedStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *attachedStream) Close() error {
	s.closeOnce.Do(func() {
		s.resp.Close()
	})
	return nil
}
