package ldapcontainer

import (
	"context"
	"testing"
	"time"
)

// cleanupTimeout bounds container removal at the end of a test.
const cleanupTimeout = 30 * time.Second

// MustRun starts a container for the duration of a test. The container is
// removed by t.Cleanup. Any failure aborts the test.
func MustRun(tb testing.TB, opts ...Option) *Container {
	tb.Helper()

	c := New(opts...)
	if err := c.Start(context.Background()); err != nil {
		tb.Fatalf("%v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			tb.Logf("ldapcontainer: cleanup: %v", err)
		}
	})
	return c
}
