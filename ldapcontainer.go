// Package ldapcontainer starts a disposable OpenLDAP server in a container
// for tests. Start does not return until a fresh client can bind as the
// admin user, so tests never race the directory's startup.
//
//	c, err := ldapcontainer.Run(ctx)
//	if err != nil { ... }
//	defer c.Stop(context.Background())
//	conn, err := c.AdminConn(ctx)
//
// With TLS the server also listens on an ldaps:// port using the caller's
// certificate files:
//
//	files := certgen.MustGenerate(t, t.TempDir())
//	c, err := ldapcontainer.Run(ctx, ldapcontainer.WithTLS(files))
package ldapcontainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/jrsfleming/ldapcontainer/internal/engine"
	"github.com/jrsfleming/ldapcontainer/ready"
)

const (
	// DefaultImage is the OpenLDAP image the container runs.
	DefaultImage = "bitnami/openldap:2.6.6"

	DefaultAdminUser     = "admin"
	DefaultAdminPassword = "adminpassword"

	// RootDN is the naming context the image is configured with.
	RootDN = "dc=example,dc=org"

	// LDAPPort and LDAPSPort are the ports inside the container.
	LDAPPort  = 1389
	LDAPSPort = 1636
)

// Where the TLS files are mounted inside the container.
const (
	CertPath = "/opt/bitnami/openldap/certs/openldap.crt"
	KeyPath  = "/opt/bitnami/openldap/certs/openldap.key"
	CAPath   = "/opt/bitnami/openldap/certs/openldapCA.crt"
)

var (
	// ErrInvalidConfig is returned by Start when the container cannot be
	// configured. No container is created.
	ErrInvalidConfig = errors.New("ldapcontainer: invalid configuration")

	// ErrAlreadyStarted is returned when options are applied or Start is
	// called after the container started.
	ErrAlreadyStarted = errors.New("ldapcontainer: already started")

	// ErrNotStarted is returned by operations that need a running container.
	ErrNotStarted = errors.New("ldapcontainer: not started")

	// ErrStopped is returned by Start when Stop was called before the
	// container became ready.
	ErrStopped = errors.New("ldapcontainer: stopped during start")
)

// Container is an OpenLDAP server running in a container. Options are
// frozen once Start is called.
type Container struct {
	mu      sync.Mutex
	opts    options
	optsErr error
	started bool

	// cancelStart interrupts a Start in progress; stopping records that
	// Stop asked for it.
	cancelStart context.CancelFunc
	stopping    bool

	inst        engine.Instance
	endpoint    ready.Endpoint
	tlsEndpoint ready.Endpoint

	stopOnce sync.Once
	stopErr  error
}

// New returns an unstarted container.
func New(opts ...Option) *Container {
	o, err := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Container{opts: o, optsErr: err}
}

// Run creates a container and starts it.
func Run(ctx context.Context, opts ...Option) (*Container, error) {
	c := New(opts...)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply adds options. After Start it changes nothing and returns
// ErrAlreadyStarted: the credential the server was configured with is the
// one the readiness check bound with.
func (c *Container) Apply(opts ...Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return nil
}

// Start creates the container and waits until the admin user can bind on
// every endpoint. If the directory is not ready within the startup timeout
// the container is removed and the error wraps ready.ErrTimeout.
//
// Accessors do not block while Start waits. Cancelling ctx or calling Stop
// from another goroutine interrupts startup and removes the container.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	rt, req, err := c.prepare()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	// Credentials are frozen from here on, even if startup fails, so the
	// readiness check can read options without the lock.
	c.started = true
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelStart = cancel
	log := c.opts.logger
	withTLS := c.opts.tls != nil
	c.mu.Unlock()

	log.Info("starting container", "name", req.Name, "image", req.Image, "tls", withTLS)
	start := time.Now()
	inst, err := rt.Start(startCtx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelStart = nil
	if err != nil {
		if c.stopping {
			return fmt.Errorf("ldapcontainer: start: %w: %w", ErrStopped, err)
		}
		log.Error("container failed to start", "name", req.Name, "error", err)
		return fmt.Errorf("ldapcontainer: start: %w", err)
	}
	if c.stopping {
		stopErr := inst.Stop(context.Background())
		return errors.Join(fmt.Errorf("ldapcontainer: start: %w", ErrStopped), stopErr)
	}
	c.inst = inst
	c.endpoint, c.tlsEndpoint = resolveEndpoints(inst, withTLS)

	log.Info("container ready",
		"name", req.Name,
		"id", inst.ID(),
		"url", c.endpoint.URL(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// prepare validates the options and builds the container request. The
// caller holds c.mu.
func (c *Container) prepare() (engine.Runtime, engine.Request, error) {
	if c.started {
		return nil, engine.Request{}, ErrAlreadyStarted
	}
	if err := c.validate(); err != nil {
		return nil, engine.Request{}, err
	}

	rt := c.opts.engine
	if rt == nil {
		var err error
		if rt, err = engine.ByName(c.opts.runtime); err != nil {
			return nil, engine.Request{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	return rt, engine.Request{
		Name:   engine.ContainerName("ldapcontainer"),
		Image:  c.opts.image,
		Env:    c.env(),
		Ports:  c.ports(),
		Mounts: c.mounts(),
		Ready:  c.waitReady,
		Stdout: c.opts.logWriter,
		Stderr: c.opts.logWriter,
	}, nil
}

// Stop removes the container. It is safe to call more than once and on a
// container that never started. Called while Start is still waiting, it
// makes Start give up and remove the container.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	inst := c.inst
	if inst == nil {
		if c.cancelStart != nil {
			c.stopping = true
			c.cancelStart()
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		c.stopErr = inst.Stop(ctx)
		if c.stopErr != nil {
			c.opts.logger.Error("container failed to stop", "id", inst.ID(), "error", c.stopErr)
			return
		}
		c.opts.logger.Info("container stopped", "id", inst.ID())
	})
	return c.stopErr
}

func (c *Container) validate() error {
	if c.opts.logger == nil {
		c.opts.logger = slog.New(slog.DiscardHandler)
	}
	if c.optsErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, c.optsErr)
	}
	if c.opts.adminUser == "" {
		return fmt.Errorf("%w: admin user is empty", ErrInvalidConfig)
	}
	if c.opts.adminPassword == "" {
		return fmt.Errorf("%w: admin password is empty", ErrInvalidConfig)
	}
	if c.opts.image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidConfig)
	}
	if c.opts.tls == nil {
		return nil
	}

	// Bind mounts need absolute host paths.
	resolved := *c.opts.tls
	for _, f := range []struct {
		name string
		path *string
	}{
		{"certificate", &resolved.Cert},
		{"key", &resolved.Key},
		{"CA", &resolved.CA},
	} {
		if *f.path == "" {
			return fmt.Errorf("%w: TLS %s file not set", ErrInvalidConfig, f.name)
		}
		abs, err := filepath.Abs(*f.path)
		if err != nil {
			return fmt.Errorf("%w: TLS %s file: %v", ErrInvalidConfig, f.name, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("%w: TLS %s file: %v", ErrInvalidConfig, f.name, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: TLS %s file %s is not a regular file", ErrInvalidConfig, f.name, abs)
		}
		*f.path = abs
	}
	c.opts.tls = &resolved
	return nil
}

// env is what the image is configured with. Managed variables win over
// WithEnv.
func (c *Container) env() map[string]string {
	env := maps.Clone(c.opts.extraEnv)
	if env == nil {
		env = make(map[string]string)
	}
	env["LDAP_ADMIN_USERNAME"] = c.opts.adminUser
	env["LDAP_ADMIN_PASSWORD"] = c.opts.adminPassword
	env["LDAP_ROOT"] = RootDN
	if c.opts.tls != nil {
		env["LDAP_ENABLE_TLS"] = "yes"
		env["LDAP_TLS_CERT_FILE"] = CertPath
		env["LDAP_TLS_KEY_FILE"] = KeyPath
		env["LDAP_TLS_CA_FILE"] = CAPath
		env["LDAP_TLS_VERIFY_CLIENT"] = "never"
	}
	return env
}

func (c *Container) ports() []int {
	if c.opts.tls != nil {
		return []int{LDAPPort, LDAPSPort}
	}
	return []int{LDAPPort}
}

func (c *Container) mounts() []engine.Mount {
	if c.opts.tls == nil {
		return nil
	}
	return []engine.Mount{
		{Source: c.opts.tls.Cert, Target: CertPath, ReadOnly: true},
		{Source: c.opts.tls.Key, Target: KeyPath, ReadOnly: true},
		{Source: c.opts.tls.CA, Target: CAPath, ReadOnly: true},
	}
}

// waitReady runs the readiness gate on the plaintext port, then on the TLS
// port with whatever is left of the startup budget.
func (c *Container) waitReady(ctx context.Context, addr engine.Addresser) error {
	plain, secure := resolveEndpoints(addr, c.opts.tls != nil)
	if plain.Port == 0 {
		return fmt.Errorf("port %d is not published", LDAPPort)
	}
	cred := ready.Credential{DN: c.adminDN(), Password: c.opts.adminPassword}
	deadline := time.Now().Add(c.opts.startupTimeout)

	if err := c.gate(&ready.LDAP{Credential: cred}, c.opts.startupTimeout).Wait(ctx, plain).Err(); err != nil {
		return err
	}
	if c.opts.tls == nil {
		return nil
	}
	if secure.Port == 0 {
		return fmt.Errorf("port %d is not published", LDAPSPort)
	}
	// The certificates are throwaway test material, so the TLS check
	// trusts whatever the server presents.
	checker := &ready.LDAP{Credential: cred, InsecureSkipVerify: true}
	return c.gate(checker, time.Until(deadline)).Wait(ctx, secure).Err()
}

func (c *Container) gate(checker ready.Checker, timeout time.Duration) *ready.Gate {
	log := c.opts.logger
	return &ready.Gate{
		Checker:  checker,
		Timeout:  timeout,
		Interval: c.opts.pollInterval,
		OnFailure: func(attempt int, failure ready.Failure, err error) {
			log.Debug("directory not ready", "attempt", attempt, "failure", failure.String(), "error", err)
		},
	}
}

func resolveEndpoints(addr engine.Addresser, withTLS bool) (plain, secure ready.Endpoint) {
	host := addr.Host()
	if p, err := addr.MappedPort(LDAPPort); err == nil {
		plain = ready.Endpoint{Host: host, Port: p}
	}
	if withTLS {
		if p, err := addr.MappedPort(LDAPSPort); err == nil {
			secure = ready.Endpoint{Host: host, Port: p, TLS: true}
		}
	}
	return plain, secure
}

// adminDN does no detection of already-qualified names: a user of
// "cn=admin,dc=example,dc=org" yields "cn=cn=admin,dc=example,dc=org,dc=example,dc=org".
func (c *Container) adminDN() string {
	return "cn=" + c.opts.adminUser + "," + RootDN
}

// Image is the container image.
func (c *Container) Image() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.image
}

// AdminUser is the admin user name.
func (c *Container) AdminUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.adminUser
}

// AdminPassword is the admin password.
func (c *Container) AdminPassword() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.adminPassword
}

// AdminDN is "cn=<admin user>," followed by RootDN.
func (c *Container) AdminDN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminDN()
}

// Env returns the variables the image is (or will be) configured with.
func (c *Container) Env() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env()
}

// Host is where the container's ports are published. Empty before Start.
func (c *Container) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint.Host
}

// Endpoint is the plaintext endpoint. Zero before Start.
func (c *Container) Endpoint() ready.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// TLSEndpoint is the LDAPS endpoint. Zero before Start or without TLS.
func (c *Container) TLSEndpoint() ready.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsEndpoint
}

// URL is ldap://host:port. Empty before Start.
func (c *Container) URL() string {
	ep := c.Endpoint()
	if ep.Port == 0 {
		return ""
	}
	return ep.URL()
}

// LDAPSURL is ldaps://host:port. Empty before Start or without TLS.
func (c *Container) LDAPSURL() string {
	ep := c.TLSEndpoint()
	if ep.Port == 0 {
		return ""
	}
	return ep.URL()
}

// AdminConn opens a plaintext connection bound as the admin user. The caller
// closes it.
func (c *Container) AdminConn(ctx context.Context) (*ldap.Conn, error) {
	c.mu.Lock()
	ep, dn, password := c.endpoint, c.adminDN(), c.opts.adminPassword
	c.mu.Unlock()
	if ep.Port == 0 {
		return nil, ErrNotStarted
	}

	dialer := &net.Dialer{Timeout: ready.DefaultDialTimeout}
	if dl, ok := ctx.Deadline(); ok {
		dialer.Deadline = dl
	}
	conn, err := ldap.DialURL(ep.URL(), ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("ldapcontainer: dial %s: %w", ep.URL(), err)
	}
	if err := conn.Bind(dn, password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ldapcontainer: bind as %s: %w", dn, err)
	}
	return conn, nil
}
