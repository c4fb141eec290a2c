// Package ports picks loopback host ports for the LDAP and LDAPS listeners.
//
// The Docker runtime publishes container ports on 127.0.0.1 only, so the
// fixture never exposes a directory with a well-known admin password to the
// network. Docker can only pick a port itself when the binding has no fixed
// HostPort, and then it binds every interface. The fixture therefore asks
// the kernel for free loopback ports up front and pins the bindings to them.
// Remote daemons skip this package: the ports there belong to another host.
package ports

import (
	"fmt"
	"net"
	"sync"
)

// Allocator tracks which container holds which loopback port. Parallel
// tests in one binary each start a fixture, and the kernel may hand a port
// that was just closed to the next caller; the owner table rejects that
// instead of letting two containers race for the same binding.
type Allocator struct {
	mu    sync.Mutex
	owner map[int]string // host port → container name
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{owner: make(map[int]string)}
}

var shared = sync.OnceValue(NewAllocator)

// Default returns the allocator the Docker runtime uses unless one is set.
func Default() *Allocator { return shared() }

// Allocate reserves n loopback ports for the container called name, one per
// published container port, in order.
//
// The ports are free when Allocate returns but nothing holds them until
// Docker binds. Losing that race fails ContainerStart with "port is already
// allocated".
func (a *Allocator) Allocate(name string, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	free, err := listenLoopback(n)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range free {
		if held, ok := a.owner[p]; ok {
			return nil, fmt.Errorf("loopback port %d is still held by container %q", p, held)
		}
	}
	for _, p := range free {
		a.owner[p] = name
	}
	return free, nil
}

// listenLoopback opens n listeners at once so the kernel cannot return the
// same port twice, then closes them all.
func listenLoopback(n int) ([]int, error) {
	lns := make([]net.Listener, 0, n)
	defer func() {
		for _, ln := range lns {
			ln.Close()
		}
	}()
	out := make([]int, 0, n)
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("pick loopback port: %w", err)
		}
		lns = append(lns, ln)
		out = append(out, ln.Addr().(*net.TCPAddr).Port)
	}
	return out, nil
}

// Release returns every port held by the named container. Stop calls it
// once the container is gone.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p, held := range a.owner {
		if held == name {
			delete(a.owner, p)
		}
	}
}

// Allocated returns how many ports are currently held.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owner)
}
