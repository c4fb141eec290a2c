package ready_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrsfleming/ldapcontainer/internal/ldaptest"
	"github.com/jrsfleming/ldapcontainer/ready"
)

const (
	adminDN       = "cn=admin,dc=example,dc=org"
	adminPassword = "adminpassword"
)

func TestLDAPCheck_Bind(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)
	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}}

	err := checker.Check(context.Background(), endpointOf(srv, false))

	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.Binds())
	assert.EqualValues(t, 0, srv.Searches())
}

func TestLDAPCheck_BaseSearch(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)
	checker := &ready.LDAP{
		Credential: ready.Credential{DN: adminDN, Password: adminPassword},
		BaseDN:     "dc=example,dc=org",
	}

	require.NoError(t, checker.Check(context.Background(), endpointOf(srv, false)))
	assert.EqualValues(t, 1, srv.Searches())
}

func TestLDAPCheck_WrongPasswordIsAuthFailure(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)
	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: "wrong"}}

	err := checker.Check(context.Background(), endpointOf(srv, false))

	require.Error(t, err)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials), "got %v", err)
	assert.Equal(t, ready.FailureAuth, ready.Classify(err))
}

func TestLDAPCheck_NothingListeningIsConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}}
	err = checker.Check(context.Background(), ready.Endpoint{Host: "127.0.0.1", Port: port})

	require.Error(t, err)
	assert.Equal(t, ready.FailureConnection, ready.Classify(err))
}

// startDropper accepts connections and closes them at once, the way a
// port proxy behaves before the server behind it listens.
func startDropper(t *testing.T) ready.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ready.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func TestLDAPCheck_DroppedConnectionIsConnectionFailure(t *testing.T) {
	ep := startDropper(t)
	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}}

	err := checker.Check(context.Background(), ep)

	require.Error(t, err)
	assert.Equal(t, ready.FailureConnection, ready.Classify(err), "got %v", err)
}

func TestGate_DroppedConnectionTimesOutAsConnectionFailure(t *testing.T) {
	ep := startDropper(t)
	g := ready.Gate{
		Checker:  &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}},
		Timeout:  300 * time.Millisecond,
		Interval: 50 * time.Millisecond,
	}

	res := g.Wait(context.Background(), ep)

	assert.Equal(t, ready.TimedOut, res.Outcome)
	assert.Equal(t, ready.FailureConnection, res.LastFailure, "last error: %v", res.LastErr)
	assert.Contains(t, res.Err().Error(), "last connection failure")
}

func TestLDAPCheck_TLSWithTrustOverride(t *testing.T) {
	srv := ldaptest.StartTLS(t, adminDN, adminPassword)
	checker := &ready.LDAP{
		Credential:         ready.Credential{DN: adminDN, Password: adminPassword},
		InsecureSkipVerify: true,
	}

	require.NoError(t, checker.Check(context.Background(), endpointOf(srv, true)))
}

func TestLDAPCheck_TLSWithoutOverrideIsProtocolFailure(t *testing.T) {
	srv := ldaptest.StartTLS(t, adminDN, adminPassword)
	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}}

	err := checker.Check(context.Background(), endpointOf(srv, true))

	require.Error(t, err)
	assert.Equal(t, ready.FailureProtocol, ready.Classify(err))
	assert.EqualValues(t, 0, srv.Binds())
}

func TestLDAPCheck_CancelledContext(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)
	checker := &ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := checker.Check(ctx, endpointOf(srv, false))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, srv.Binds())
}

// A gate whose credential does not match the server's must give up at the
// deadline instead of waiting forever.
func TestGate_CredentialMismatchTimesOut(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)
	g := ready.Gate{
		Checker:  &ready.LDAP{Credential: ready.Credential{DN: "cn=someoneelse,dc=example,dc=org", Password: adminPassword}},
		Timeout:  200 * time.Millisecond,
		Interval: 50 * time.Millisecond,
	}

	res := g.Wait(context.Background(), endpointOf(srv, false))

	assert.Equal(t, ready.TimedOut, res.Outcome)
	assert.Equal(t, ready.FailureAuth, res.LastFailure)
	assert.GreaterOrEqual(t, res.Attempts, 2)
	assert.EqualValues(t, res.Attempts, srv.Binds(), "one fresh bind per attempt")
}

func TestGate_LDAPReady(t *testing.T) {
	srv := ldaptest.Start(t, adminDN, adminPassword)

	err := ready.Poll(context.Background(), endpointOf(srv, false),
		&ready.LDAP{Credential: ready.Credential{DN: adminDN, Password: adminPassword}},
		time.Second, 50*time.Millisecond)

	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name string
		err  error
		want ready.Failure
	}{
		{"nil", nil, ready.FailureNone},
		{"invalid credentials", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad")), ready.FailureAuth},
		{"empty password", ldap.NewError(ldap.ErrorEmptyPassword, errors.New("empty")), ready.FailureAuth},
		{"busy", ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")), ready.FailureProtocol},
		{"unavailable", ldap.NewError(ldap.LDAPResultUnavailable, errors.New("starting")), ready.FailureProtocol},
		{"network refused", ldap.NewError(ldap.ErrorNetwork, refused), ready.FailureConnection},
		{"network tls", ldap.NewError(ldap.ErrorNetwork, x509.UnknownAuthorityError{}), ready.FailureProtocol},
		{"bare refused", refused, ready.FailureConnection},
		{"deadline", context.DeadlineExceeded, ready.FailureConnection},
		{"wrapped", fmt.Errorf("bind: %w", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad"))), ready.FailureAuth},
		{"tagged", ready.Fail(ready.FailureAuth, errors.New("x")), ready.FailureAuth},
		{"network read reset", ldap.NewError(ldap.ErrorNetwork, fmt.Errorf("unable to read LDAP response packet: %s", syscall.ECONNRESET)), ready.FailureConnection},
		{"network closed", ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed")), ready.FailureConnection},
		{"flattened read error", fmt.Errorf("unable to read LDAP response packet: %s", syscall.ECONNRESET), ready.FailureConnection},
		{"network tls alert", ldap.NewError(ldap.ErrorNetwork, tls.AlertError(40)), ready.FailureProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ready.Classify(tt.err))
		})
	}
}

func TestFail_Nil(t *testing.T) {
	assert.NoError(t, ready.Fail(ready.FailureAuth, nil))
}

func TestFailure_String(t *testing.T) {
	assert.Equal(t, "connection", ready.FailureConnection.String())
	assert.Equal(t, "authentication", ready.FailureAuth.String())
	assert.Equal(t, "protocol", ready.FailureProtocol.String())
}
