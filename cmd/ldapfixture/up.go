package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/run"
	"github.com/spf13/cobra"

	"github.com/jrsfleming/ldapcontainer"
)

type upFlags struct {
	user     string
	password string
	image    string
	runtime  string
	tlsDir   string
	timeout  time.Duration
	verbose  bool
	logs     bool
}

func newUpCommand() *cobra.Command {
	var flags upFlags
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start an LDAP container and keep it running until interrupted",
		Long: "Start an LDAP container, wait until the admin user can bind, print its\n" +
			"connection details and block until SIGINT or SIGTERM. The container is\n" +
			"removed on exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runUp(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.user, "user", ldapcontainer.DefaultAdminUser, "admin user name")
	f.StringVar(&flags.password, "password", ldapcontainer.DefaultAdminPassword, "admin password")
	f.StringVar(&flags.image, "image", "", "container image (default $LDAPCONTAINER_IMAGE or "+ldapcontainer.DefaultImage+")")
	f.StringVar(&flags.runtime, "runtime", "", "container runtime: docker or testcontainers")
	f.StringVar(&flags.tlsDir, "tls-dir", "", "enable LDAPS with a certificate generated into this directory")
	f.DurationVar(&flags.timeout, "timeout", 0, "maximum wait for the directory to accept binds (default $LDAPCONTAINER_STARTUP_TIMEOUT or 60s)")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "log readiness attempts")
	f.BoolVar(&flags.logs, "logs", false, "stream container logs to stderr")
	return cmd
}

func (f upFlags) options(stderr io.Writer) ([]ldapcontainer.Option, error) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	opts := []ldapcontainer.Option{
		ldapcontainer.WithAdminUser(f.user),
		ldapcontainer.WithAdminPassword(f.password),
		ldapcontainer.WithLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))),
	}
	if f.image != "" {
		opts = append(opts, ldapcontainer.WithImage(f.image))
	}
	if f.runtime != "" {
		opts = append(opts, ldapcontainer.WithRuntime(f.runtime))
	}
	if f.timeout > 0 {
		opts = append(opts, ldapcontainer.WithStartupTimeout(f.timeout))
	}
	if f.logs {
		opts = append(opts, ldapcontainer.WithLogWriter(stderr))
	}
	if f.tlsDir != "" {
		files, err := writeCerts(f.tlsDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ldapcontainer.WithTLS(files))
	}
	return opts, nil
}

func runUp(ctx context.Context, stdout, stderr io.Writer, flags upFlags) error {
	opts, err := flags.options(stderr)
	if err != nil {
		return err
	}
	c := ldapcontainer.New(opts...)

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Stop(stopCtx); err != nil {
			fmt.Fprintf(stderr, "ldapfixture: %v\n", err)
		}
	}()

	lifecycle := run.Sequence{
		run.Func(c.Start),
		run.Func(func(context.Context) error {
			printDetails(stdout, c)
			return nil
		}),
		run.Idle,
	}
	err = lifecycle.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func printDetails(w io.Writer, c *ldapcontainer.Container) {
	fmt.Fprintf(w, "url:      %s\n", c.URL())
	if u := c.LDAPSURL(); u != "" {
		fmt.Fprintf(w, "ldaps:    %s\n", u)
	}
	fmt.Fprintf(w, "bind dn:  %s\n", c.AdminDN())
	fmt.Fprintf(w, "password: %s\n", c.AdminPassword())
	fmt.Fprintf(w, "base dn:  %s\n", ldapcontainer.RootDN)
}
