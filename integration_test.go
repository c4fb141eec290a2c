package ldapcontainer_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrsfleming/ldapcontainer"
	"github.com/jrsfleming/ldapcontainer/certgen"
	"github.com/jrsfleming/ldapcontainer/insecuretls"
	"github.com/jrsfleming/ldapcontainer/internal/dockerutil"
)

func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	if err := dockerutil.Ping(context.Background()); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
}

func TestContainer_Docker(t *testing.T) {
	requireDocker(t)

	c := ldapcontainer.MustRun(t, ldapcontainer.WithStartupTimeout(2*time.Minute))

	conn, err := c.AdminConn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	res, err := conn.Search(ldap.NewSearchRequest(
		ldapcontainer.RootDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"dn"}, nil,
	))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, ldapcontainer.RootDN, res.Entries[0].DN)
}

func TestContainer_DockerTLS(t *testing.T) {
	requireDocker(t)

	files := certgen.MustGenerate(t, t.TempDir())
	var logs bytes.Buffer
	c := ldapcontainer.MustRun(t,
		ldapcontainer.WithTLS(files),
		ldapcontainer.WithEnv("BITNAMI_DEBUG", "true"),
		ldapcontainer.WithLogWriter(&logs),
		ldapcontainer.WithStartupTimeout(2*time.Minute),
	)

	ep := c.TLSEndpoint()
	conn, err := ldap.DialURL(c.LDAPSURL(), ldap.DialWithTLSConfig(insecuretls.Config(ep.Host, true)))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Bind(c.AdminDN(), c.AdminPassword()))

	// A client that verifies certificates rejects the throwaway one.
	_, err = ldap.DialURL(c.LDAPSURL(), ldap.DialWithTLSConfig(&tls.Config{ServerName: ep.Host}))
	assert.Error(t, err)
}

func TestContainer_Testcontainers(t *testing.T) {
	requireDocker(t)

	c := ldapcontainer.MustRun(t,
		ldapcontainer.WithRuntime("testcontainers"),
		ldapcontainer.WithAdminPassword("s3cret"),
		ldapcontainer.WithStartupTimeout(2*time.Minute),
	)

	conn, err := c.AdminConn(context.Background())
	require.NoError(t, err)
	conn.Close()
}
