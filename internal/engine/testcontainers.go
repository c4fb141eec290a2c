package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Testcontainers runs containers through testcontainers-go. Ports are
// published on random host ports and the Ryuk reaper removes containers the
// process leaves behind.
type Testcontainers struct{}

// Start creates and starts the container. req.Ready runs as the container's
// wait strategy.
func (t *Testcontainers) Start(ctx context.Context, req Request) (Instance, error) {
	cr := testcontainersRequest(req)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: cr,
		Started:          true,
	})
	if err != nil {
		if c != nil {
			_ = c.Terminate(context.Background())
		}
		return nil, fmt.Errorf("container %q: %w", req.Name, err)
	}

	addr, err := resolveTarget(ctx, c, req.Ports)
	if err != nil {
		_ = c.Terminate(context.Background())
		return nil, fmt.Errorf("container %q: %w", req.Name, err)
	}
	return &tcInstance{c: c, name: req.Name, addr: addr}, nil
}

func testcontainersRequest(req Request) testcontainers.ContainerRequest {
	exposed := make([]string, 0, len(req.Ports))
	for _, p := range req.Ports {
		exposed = append(exposed, string(tcpPort(p)))
	}

	binds := make([]string, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		b := m.Source + ":" + m.Target
		if m.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	cr := testcontainers.ContainerRequest{
		Name:         req.Name,
		Image:        req.Image,
		Env:          req.Env,
		ExposedPorts: exposed,
		Labels:       map[string]string{"org.jrsfleming.ldapcontainer": "true"},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Binds = append(hc.Binds, binds...)
		},
	}
	if req.Ready != nil {
		cr.WaitingFor = readyStrategy{ready: req.Ready, ports: req.Ports}
	}
	if req.Stdout != nil || req.Stderr != nil {
		cr.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{&logWriter{stdout: req.Stdout, stderr: req.Stderr}},
		}
	}
	return cr
}

// readyStrategy adapts a ReadyFunc to a testcontainers wait strategy.
type readyStrategy struct {
	ready ReadyFunc
	ports []int
}

var _ wait.Strategy = readyStrategy{}

func (s readyStrategy) WaitUntilReady(ctx context.Context, target wait.StrategyTarget) error {
	addr, err := resolveTarget(ctx, target, s.ports)
	if err != nil {
		return err
	}
	return s.ready(ctx, addr)
}

// portTarget is the part of a testcontainers container that reports ports.
type portTarget interface {
	Host(ctx context.Context) (string, error)
	MappedPort(ctx context.Context, port nat.Port) (nat.Port, error)
}

func resolveTarget(ctx context.Context, target portTarget, ports []int) (staticAddresser, error) {
	host, err := target.Host(ctx)
	if err != nil {
		return staticAddresser{}, fmt.Errorf("resolve host: %w", err)
	}
	table := make(map[int]int, len(ports))
	for _, p := range ports {
		mapped, err := target.MappedPort(ctx, tcpPort(p))
		if err != nil {
			return staticAddresser{}, fmt.Errorf("resolve port %d: %w", p, err)
		}
		table[p] = mapped.Int()
	}
	return staticAddresser{host: host, ports: table}, nil
}

type tcInstance struct {
	c    testcontainers.Container
	name string
	addr staticAddresser

	stopOnce sync.Once
	stopErr  error
}

func (i *tcInstance) ID() string                       { return i.c.GetContainerID() }
func (i *tcInstance) Host() string                     { return i.addr.Host() }
func (i *tcInstance) MappedPort(port int) (int, error) { return i.addr.MappedPort(port) }

func (i *tcInstance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		if err := i.c.Terminate(ctx); err != nil {
			i.stopErr = fmt.Errorf("container %q: terminate: %w", i.name, err)
		}
	})
	return i.stopErr
}

// logWriter forwards container log lines to writers.
type logWriter struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func (w *logWriter) Accept(l testcontainers.Log) {
	dst := w.stdout
	if l.LogType == testcontainers.StderrLog {
		dst = w.stderr
	}
	if dst == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = dst.Write(l.Content)
}
