package vm

import "fmt"

var (
	// ErrConfiguration covers invalid or missing construction and operation
	// parameters. Never retried.
	ErrConfiguration = fmt.Errorf("invalid client VM configuration")

	// ErrProvisioning covers failures while bringing the machine up:
	// snap-guest exiting non-zero, the reachability probe failing, or its
	// output not carrying an address.
	ErrProvisioning = fmt.Errorf("failed to provision client VM")

	// ErrLifecycle covers operations attempted in the wrong lifecycle state
	// and orchestration sequences whose intermediate command failed; the
	// wrapping message names the failing step.
	ErrLifecycle = fmt.Errorf("client VM operation failed")
)
