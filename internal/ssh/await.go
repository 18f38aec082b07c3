package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
)

// AwaitReachable polls until a TCP connection to host:port succeeds or
// 'timeout' elapses. Used to wait out the gap between a VM answering ping
// and its SSH daemon accepting connections.
func AwaitReachable(ctx context.Context, host string, port uint16, timeout time.Duration) error {
	log := clog.FromContext(ctx)
	addr, err := joinHostPort(ctx, host, port)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err != nil {
			log.Debug("target not reachable yet", "addr", addr, "error", err)
			return struct{}{}, err
		}
		_ = conn.Close()
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("timed out waiting for %s to become reachable: %w", addr, err)
	}
	return nil
}
