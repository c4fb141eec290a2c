package ready_test

import (
	"github.com/jrsfleming/ldapcontainer/internal/ldaptest"
	"github.com/jrsfleming/ldapcontainer/ready"
)

func endpointOf(s *ldaptest.Server, tlsOn bool) ready.Endpoint {
	return ready.Endpoint{Host: s.Host(), Port: s.Port(), TLS: tlsOn}
}
