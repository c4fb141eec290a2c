package ldapcontainer

import (
	"io"
	"log/slog"
	"time"

	"github.com/jrsfleming/ldapcontainer/certgen"
	"github.com/jrsfleming/ldapcontainer/internal/config"
	"github.com/jrsfleming/ldapcontainer/internal/engine"
	"github.com/jrsfleming/ldapcontainer/ready"
)

// TLSFiles are host paths to a PEM certificate, its private key and the CA
// certificate. certgen.MustGenerate returns a ready-made set.
type TLSFiles = certgen.Files

// Option configures a Container before it starts.
type Option func(*options)

type options struct {
	image          string
	adminUser      string
	adminPassword  string
	tls            *TLSFiles
	extraEnv       map[string]string
	startupTimeout time.Duration
	pollInterval   time.Duration
	runtime        string
	engine         engine.Runtime
	logger         *slog.Logger
	logWriter      io.Writer
}

// defaultOptions starts from the LDAPCONTAINER_* environment. A malformed
// environment is reported by Start, not here.
func defaultOptions() (options, error) {
	o := options{
		image:          DefaultImage,
		adminUser:      DefaultAdminUser,
		adminPassword:  DefaultAdminPassword,
		startupTimeout: ready.DefaultTimeout,
		pollInterval:   ready.DefaultInterval,
		runtime:        engine.RuntimeDocker,
		logger:         slog.New(slog.DiscardHandler),
	}
	cfg, err := config.Load()
	if err != nil {
		return o, err
	}
	o.image = cfg.Image
	o.startupTimeout = cfg.StartupTimeout
	o.pollInterval = cfg.PollInterval
	o.runtime = cfg.Runtime
	return o, nil
}

// WithAdminUser sets the admin user name. Default "admin".
func WithAdminUser(user string) Option {
	return func(o *options) { o.adminUser = user }
}

// WithAdminPassword sets the admin password. Default "adminpassword".
func WithAdminPassword(password string) Option {
	return func(o *options) { o.adminPassword = password }
}

// WithTLS enables LDAPS on a second port using the given files. The files
// are mounted read-only; the caller keeps ownership.
func WithTLS(files TLSFiles) Option {
	return func(o *options) { o.tls = &files }
}

// WithImage overrides the container image. The image must understand the
// bitnami/openldap environment variables.
func WithImage(image string) Option {
	return func(o *options) { o.image = image }
}

// WithEnv passes an extra environment variable to the image, for example
// BITNAMI_DEBUG=true. It cannot override the variables the container
// manages itself.
func WithEnv(key, value string) Option {
	return func(o *options) {
		if o.extraEnv == nil {
			o.extraEnv = make(map[string]string)
		}
		o.extraEnv[key] = value
	}
}

// WithStartupTimeout bounds how long Start waits for the directory to
// accept binds. Default 60s. Zero or negative means a single attempt.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) { o.startupTimeout = d }
}

// WithPollInterval sets the pause between readiness attempts. Default 1s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithRuntime selects the container runtime: "docker" (default) or
// "testcontainers".
func WithRuntime(name string) Option {
	return func(o *options) { o.runtime = name }
}

// WithLogger sets the logger for lifecycle events and failed readiness
// attempts. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLogWriter streams the container's stdout and stderr to w.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logWriter = w }
}

func withEngine(r engine.Runtime) Option {
	return func(o *options) { o.engine = r }
}
