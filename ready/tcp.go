package ready

import (
	"context"
	"net"
	"time"
)

// TCP checks that something accepts connections on the endpoint. It says
// nothing about whether binds work; fixtures use it only as a cheap
// precondition in tests.
type TCP struct{}

func (TCP) Check(ctx context.Context, ep Endpoint) error {
	d := net.Dialer{Timeout: 200 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return Fail(FailureConnection, err)
	}
	conn.Close()
	return nil
}
