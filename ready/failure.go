package ready

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Failure categorizes a failed attempt for diagnosis.
type Failure int

const (
	FailureNone Failure = iota
	// FailureConnection: the endpoint could not be reached (refused,
	// reset, timed out, DNS).
	FailureConnection
	// FailureAuth: the server answered but rejected the credential.
	FailureAuth
	// FailureProtocol: the server answered with an LDAP result other than
	// a successful bind, or the TLS handshake failed.
	FailureProtocol
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureConnection:
		return "connection"
	case FailureAuth:
		return "authentication"
	case FailureProtocol:
		return "protocol"
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

// ErrTimeout is matched by errors.Is for every *TimeoutError.
var ErrTimeout = errors.New("ready: timed out")

// TimeoutError reports that readiness was not reached within the budget.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
	Failure  Failure
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness check failed after %s (%d attempts, last %s failure: %v)",
		e.Timeout, e.Attempts, e.Failure, e.Err)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Err }

// categorized lets a Checker state the category of its own failure.
type categorized struct {
	failure Failure
	err     error
}

func (c *categorized) Error() string { return c.err.Error() }
func (c *categorized) Unwrap() error { return c.err }

// Fail tags err with an explicit category that Classify will report.
func Fail(f Failure, err error) error {
	if err == nil {
		return nil
	}
	return &categorized{failure: f, err: err}
}

// Classify maps a checker error onto a Failure category.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}

	var c *categorized
	if errors.As(err, &c) {
		return c.failure
	}

	var lerr *ldap.Error
	if errors.As(err, &lerr) {
		switch lerr.ResultCode {
		case ldap.ErrorNetwork:
			if isTLSFailure(lerr.Err) {
				return FailureProtocol
			}
			return FailureConnection
		case ldap.LDAPResultInvalidCredentials,
			ldap.LDAPResultInappropriateAuthentication,
			ldap.LDAPResultInsufficientAccessRights,
			ldap.LDAPResultConfidentialityRequired,
			ldap.LDAPResultStrongAuthRequired,
			ldap.ErrorEmptyPassword:
			return FailureAuth
		}
		return FailureProtocol
	}

	return classifyTransport(err)
}

// classifyTransport handles errors that carry no LDAP result code. Only a
// failed TLS handshake counts as a protocol failure. Everything else is a
// connection failure, including read errors go-ldap flattens to a string
// ("unable to read LDAP response packet: ...") when a proxy accepts the
// connection and drops it before slapd listens.
func classifyTransport(err error) Failure {
	if isTLSFailure(err) {
		return FailureProtocol
	}
	return FailureConnection
}

// isTLSFailure reports whether err comes from certificate verification or
// the TLS record layer.
func isTLSFailure(err error) bool {
	if err == nil {
		return false
	}
	var (
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		headerErr  tls.RecordHeaderError
		alertErr   tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &headerErr) ||
		errors.As(err, &alertErr)
}
