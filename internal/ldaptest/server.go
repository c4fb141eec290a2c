// Package ldaptest runs a minimal in-process LDAP server for tests. It
// answers simple binds for exactly one DN/password pair and base searches,
// which is all a readiness check needs.
package ldaptest

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/jrsfleming/ldapcontainer/certgen"
)

// Server is a fake LDAP server listening on 127.0.0.1.
type Server struct {
	ln       net.Listener
	dn       string
	password string

	binds    atomic.Int64
	searches atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

// Start serves plaintext LDAP until the test ends.
func Start(tb testing.TB, dn, password string) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("ldaptest: listen: %v", err)
	}
	return serve(tb, ln, dn, password)
}

// StartTLS serves LDAPS with a fresh self-signed certificate until the test
// ends.
func StartTLS(tb testing.TB, dn, password string) *Server {
	tb.Helper()
	bundle, err := certgen.New()
	if err != nil {
		tb.Fatalf("ldaptest: %v", err)
	}
	cert, err := bundle.TLSCertificate()
	if err != nil {
		tb.Fatalf("ldaptest: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		tb.Fatalf("ldaptest: listen: %v", err)
	}
	return serve(tb, ln, dn, password)
}

func serve(tb testing.TB, ln net.Listener, dn, password string) *Server {
	s := &Server{ln: ln, dn: dn, password: password}
	tb.Cleanup(s.Close)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.handle(conn)
		}
	}()
	return s
}

// Host is always 127.0.0.1.
func (s *Server) Host() string { return "127.0.0.1" }

func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Binds is the number of bind requests received, successful or not.
func (s *Server) Binds() int64 { return s.binds.Load() }

// Searches is the number of search requests received.
func (s *Server) Searches() int64 { return s.searches.Load() }

// Close stops listening and drops open connections.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil {
			return
		}
		if len(packet.Children) < 2 {
			return
		}
		msgID, _ := packet.Children[0].Value.(int64)
		op := packet.Children[1]

		switch op.Tag {
		case ldap.ApplicationBindRequest:
			s.binds.Add(1)
			code := int64(ldap.LDAPResultSuccess)
			if len(op.Children) < 3 ||
				op.Children[1].Data.String() != s.dn ||
				op.Children[2].Data.String() != s.password {
				code = ldap.LDAPResultInvalidCredentials
			}
			reply(conn, msgID, ldap.ApplicationBindResponse, code)
		case ldap.ApplicationSearchRequest:
			s.searches.Add(1)
			reply(conn, msgID, ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess)
		default:
			// Unbind or anything unsupported ends the session.
			return
		}
	}
}

func reply(conn net.Conn, msgID int64, tag ber.Tag, code int64) {
	resp := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	resp.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, msgID, "MessageID"))
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))
	resp.AppendChild(op)
	conn.Write(resp.Bytes())
}
