// Package engine starts and stops the container behind a fixture. It only
// exposes what the fixture needs from a container runtime: start an image
// with environment variables, read-only bind mounts and exposed TCP ports,
// report the mapped host ports, and stop.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Mount is a host file bind-mounted into the container.
type Mount struct {
	Source   string // absolute host path
	Target   string // path inside the container
	ReadOnly bool
}

// Addresser reports where the container's ports are reachable from the host.
type Addresser interface {
	Host() string
	MappedPort(containerPort int) (int, error)
}

// ReadyFunc blocks until the started container can serve requests.
type ReadyFunc func(ctx context.Context, addr Addresser) error

// Request describes a container to start.
type Request struct {
	Name   string
	Image  string
	Env    map[string]string
	Ports  []int // container TCP ports to publish
	Mounts []Mount

	// Ready is invoked once the container runs. Start does not return
	// until it succeeds; if it fails the container is removed.
	Ready ReadyFunc

	// Stdout and Stderr receive the container's logs when non-nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Instance is a running container.
type Instance interface {
	Addresser
	ID() string
	Stop(ctx context.Context) error
}

// Runtime starts containers.
type Runtime interface {
	Start(ctx context.Context, req Request) (Instance, error)
}

// Names of the available runtimes.
const (
	RuntimeDocker         = "docker"
	RuntimeTestcontainers = "testcontainers"
)

// ByName returns the runtime registered under name.
func ByName(name string) (Runtime, error) {
	switch strings.ToLower(name) {
	case "", RuntimeDocker:
		return &Docker{}, nil
	case RuntimeTestcontainers:
		return &Testcontainers{}, nil
	}
	return nil, fmt.Errorf("unknown container runtime %q (want %q or %q)", name, RuntimeDocker, RuntimeTestcontainers)
}

// ContainerName returns a unique container name with the given prefix.
func ContainerName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// staticAddresser is an Addresser over an already resolved port table.
type staticAddresser struct {
	host  string
	ports map[int]int // container port → host port
}

func (a staticAddresser) Host() string { return a.host }

func (a staticAddresser) MappedPort(containerPort int) (int, error) {
	p, ok := a.ports[containerPort]
	if !ok {
		return 0, fmt.Errorf("container port %d is not published", containerPort)
	}
	return p, nil
}

// envMapToSlice converts a map of env vars to "KEY=VALUE" strings.
func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
