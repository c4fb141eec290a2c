package ready

import (
	"context"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/jrsfleming/ldapcontainer/insecuretls"
)

// DefaultDialTimeout bounds the connect and bind of a single LDAP attempt.
const DefaultDialTimeout = 2 * time.Second

// LDAP checks readiness by opening a new connection and performing a simple
// bind with Credential. If BaseDN is set, a base-scope search of that entry
// must succeed too.
type LDAP struct {
	Credential Credential
	BaseDN     string

	// InsecureSkipVerify turns on the insecuretls trust override for
	// ldaps:// endpoints. Only fixtures with throwaway certificates set it.
	InsecureSkipVerify bool

	DialTimeout time.Duration // default DefaultDialTimeout
}

func (l *LDAP) Check(ctx context.Context, ep Endpoint) error {
	timeout := l.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if ep.TLS {
		opts = append(opts, ldap.DialWithTLSConfig(insecuretls.Config(ep.Host, l.InsecureSkipVerify)))
	}

	conn, err := ldap.DialURL(ep.URL(), opts...)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetTimeout(timeout)

	if err := conn.Bind(l.Credential.DN, l.Credential.Password); err != nil {
		return err
	}

	if l.BaseDN == "" {
		return nil
	}
	_, err = conn.Search(ldap.NewSearchRequest(
		l.BaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(timeout.Seconds()),
		false,
		"(objectClass=*)",
		[]string{"dn"},
		nil,
	))
	return err
}
