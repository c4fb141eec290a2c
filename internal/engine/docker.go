package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/matgreaves/run"
	"github.com/matgreaves/run/onexit"

	"github.com/jrsfleming/ldapcontainer/internal/dockerutil"
	"github.com/jrsfleming/ldapcontainer/internal/ports"
)

// stopTimeout is how long a container gets to shut down before it is killed.
const stopTimeout = 10 // seconds

// errContainerExited is the cause attached to the readiness context when
// the container stops on its own before it became ready.
var errContainerExited = errors.New("container exited before it became ready")

// Docker runs containers through the Docker Engine API. Host ports are
// allocated up front and bound on the loopback interface, except when the
// daemon is remote, in which case Docker picks them on all interfaces.
type Docker struct {
	// Ports allocates host ports. Defaults to ports.Default().
	Ports *ports.Allocator
}

func (d *Docker) allocator() *ports.Allocator {
	if d.Ports != nil {
		return d.Ports
	}
	return ports.Default()
}

// Start creates and starts the container, then blocks on req.Ready.
func (d *Docker) Start(ctx context.Context, req Request) (Instance, error) {
	if err := dockerutil.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container %q: %w", req.Name, err)
	}
	cli, err := dockerutil.Client()
	if err != nil {
		return nil, fmt.Errorf("container %q: docker client: %w", req.Name, err)
	}
	if err := ensureImage(ctx, cli, req.Image); err != nil {
		return nil, fmt.Errorf("container %q: %w", req.Name, err)
	}

	host, remote := daemonHost(cli.DaemonHost())

	var hostPorts []int
	alloc := d.allocator()
	if !remote {
		hostPorts, err = alloc.Allocate(req.Name, len(req.Ports))
		if err != nil {
			return nil, fmt.Errorf("container %q: %w", req.Name, err)
		}
	}
	portBindings, exposedPorts := buildPortBindings(req.Ports, hostPorts)

	config := &container.Config{
		Image:        req.Image,
		Env:          envMapToSlice(req.Env),
		ExposedPorts: exposedPorts,
		Labels:       map[string]string{"org.jrsfleming.ldapcontainer": "true"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       buildMounts(req.Mounts),
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, req.Name)
	if err != nil {
		alloc.Release(req.Name)
		return nil, fmt.Errorf("container %q: create: %w", req.Name, err)
	}

	inst := &dockerInstance{
		cli:   cli,
		id:    resp.ID,
		name:  req.Name,
		alloc: alloc,
		done:  make(chan struct{}),
	}
	// Backup cleanup in case the test binary is killed before Stop runs
	// (SIGKILL, CI timeout).
	inst.cancelOnexit, _ = onexit.OnExitF("docker rm -f %s", resp.ID)

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		inst.Stop(context.Background())
		return nil, fmt.Errorf("container %q: start: %w", req.Name, err)
	}

	table, err := resolvePorts(ctx, cli, resp.ID, req.Ports)
	if err != nil {
		inst.Stop(context.Background())
		return nil, fmt.Errorf("container %q: %w", req.Name, err)
	}
	inst.addr = staticAddresser{host: host, ports: table}

	readyCtx, cancelReady := context.WithCancelCause(ctx)
	defer cancelReady(nil)
	inst.supervise(req.Stdout, req.Stderr, cancelReady)

	if req.Ready != nil {
		if err := req.Ready(readyCtx, inst); err != nil {
			if cause := context.Cause(readyCtx); errors.Is(cause, errContainerExited) {
				err = cause
			}
			inst.Stop(context.Background())
			return nil, fmt.Errorf("container %q: wait for ready: %w", req.Name, err)
		}
	}
	return inst, nil
}

type dockerInstance struct {
	cli   *client.Client
	id    string
	name  string
	addr  staticAddresser
	alloc *ports.Allocator

	cancelOnexit     func() error
	cancelSupervisor context.CancelFunc
	done             chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (i *dockerInstance) ID() string                       { return i.id }
func (i *dockerInstance) Host() string                     { return i.addr.Host() }
func (i *dockerInstance) MappedPort(port int) (int, error) { return i.addr.MappedPort(port) }

// supervise streams logs and watches for the container exiting. If it exits
// before Stop, onExit is called with the reason.
func (i *dockerInstance) supervise(stdout, stderr io.Writer, onExit context.CancelCauseFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancelSupervisor = cancel

	group := run.Group{
		"logs": i.logsRunner(stdout, stderr),
		"wait": i.waitRunner(),
	}
	go func() {
		defer close(i.done)
		err := group.Run(ctx)
		if ctx.Err() == nil {
			onExit(fmt.Errorf("%w: %v", errContainerExited, err))
		}
	}()
}

func (i *dockerInstance) logsRunner(stdout, stderr io.Writer) run.Runner {
	if stdout == nil && stderr == nil {
		return run.Idle
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return run.Func(func(ctx context.Context) error {
		rc, err := i.cli.ContainerLogs(ctx, i.id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			return fmt.Errorf("attach logs: %w", err)
		}
		defer rc.Close()
		stdcopy.StdCopy(stdout, stderr, rc)
		// The log stream ends when the container stops; keep the group
		// alive so the wait runner reports why.
		<-ctx.Done()
		return ctx.Err()
	})
}

func (i *dockerInstance) waitRunner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		waitCh, errCh := i.cli.ContainerWait(ctx, i.id, container.WaitConditionNotRunning)
		select {
		case result := <-waitCh:
			return fmt.Errorf("exit code %d", result.StatusCode)
		case err := <-errCh:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("container wait: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Stop stops and removes the container. It is safe to call more than once.
func (i *dockerInstance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		if i.cancelSupervisor != nil {
			i.cancelSupervisor()
			<-i.done
		}

		timeout := stopTimeout
		stopErr := i.cli.ContainerStop(ctx, i.id, container.StopOptions{Timeout: &timeout})
		if stopErr != nil && errdefs.IsNotFound(stopErr) {
			stopErr = nil
		}
		rmErr := i.cli.ContainerRemove(ctx, i.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if rmErr != nil && errdefs.IsNotFound(rmErr) {
			rmErr = nil
		}
		i.alloc.Release(i.name)

		if rmErr == nil && i.cancelOnexit != nil {
			i.cancelOnexit()
		}
		if stopErr != nil || rmErr != nil {
			i.stopErr = fmt.Errorf("container %q: stop: %w", i.name, errors.Join(stopErr, rmErr))
		}
	})
	return i.stopErr
}

// ensureImage pulls ref unless the daemon already has it.
func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker inspect %s: %w", ref, err)
	}

	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull is not finished until the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("docker pull %s: read response: %w", ref, err)
	}
	return nil
}

// daemonHost returns the host name ports are published on and whether the
// daemon is remote. Unix sockets and named pipes mean a local daemon.
func daemonHost(daemon string) (host string, remote bool) {
	u, err := url.Parse(daemon)
	if err != nil || u.Hostname() == "" {
		return "127.0.0.1", false
	}
	switch u.Scheme {
	case "tcp", "http", "https":
		h := u.Hostname()
		if h == "localhost" || h == "127.0.0.1" || h == "::1" {
			return "127.0.0.1", false
		}
		return h, true
	}
	return "127.0.0.1", false
}

// buildPortBindings publishes each container port. With hostPorts, port i is
// bound to 127.0.0.1:hostPorts[i]; without, Docker chooses on all interfaces.
func buildPortBindings(containerPorts, hostPorts []int) (nat.PortMap, nat.PortSet) {
	portBindings := make(nat.PortMap)
	exposedPorts := make(nat.PortSet)

	for idx, cp := range containerPorts {
		p := tcpPort(cp)
		exposedPorts[p] = struct{}{}
		binding := nat.PortBinding{}
		if idx < len(hostPorts) {
			binding.HostIP = "127.0.0.1"
			binding.HostPort = strconv.Itoa(hostPorts[idx])
		}
		portBindings[p] = []nat.PortBinding{binding}
	}
	return portBindings, exposedPorts
}

func buildMounts(mounts []Mount) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

// resolvePorts reads the published host ports back from the daemon. This is
// the source of truth whether or not ports were allocated up front.
func resolvePorts(ctx context.Context, cli *client.Client, id string, containerPorts []int) (map[int]int, error) {
	inspect, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return nil, fmt.Errorf("inspect: no network settings")
	}
	table := make(map[int]int, len(containerPorts))
	for _, cp := range containerPorts {
		bindings := inspect.NetworkSettings.Ports[tcpPort(cp)]
		if len(bindings) == 0 {
			return nil, fmt.Errorf("port %d is not published", cp)
		}
		hp, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			return nil, fmt.Errorf("port %d: bad host port %q: %w", cp, bindings[0].HostPort, err)
		}
		table[cp] = hp
	}
	return table, nil
}

func tcpPort(p int) nat.Port {
	return nat.Port(strconv.Itoa(p) + "/tcp")
}
