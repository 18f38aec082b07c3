package vm

import (
	"context"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/satqe/clientvm/internal/harness"
)

// With provisions the VM, runs 'fn', and destroys the VM on every exit
// path. A destroy failure never masks fn's own error; it is logged and only
// surfaces when fn itself succeeded.
func (m *VM) With(ctx context.Context, fn func(ctx context.Context, m *VM) error) (err error) {
	if err := m.Create(ctx); err != nil {
		return err
	}
	defer func() {
		if derr := m.Destroy(ctx); derr != nil {
			clog.FromContext(ctx).Warn("errors during client VM teardown", "error", derr)
			if err == nil {
				err = derr
			}
		}
	}()
	return fn(ctx, m)
}

// CreateAll provisions all given VMs concurrently, so their settle waits
// overlap instead of accumulating. If any creation fails, the VMs that did
// come up are destroyed (best-effort, in reverse completion order) and the
// first creation error is returned. On success the caller owns all VMs and
// their eventual destruction.
func CreateAll(ctx context.Context, vms ...*VM) error {
	stack := new(harness.Stack)
	group, gctx := errgroup.WithContext(ctx)
	for _, m := range vms {
		group.Go(func() error {
			if err := m.Create(gctx); err != nil {
				return err
			}
			return stack.Push(m.Destroy)
		})
	}
	if err := group.Wait(); err != nil {
		if terr := stack.Teardown(ctx); terr != nil {
			clog.FromContext(ctx).Warn("errors tearing down partially-created clients", "error", terr)
		}
		return err
	}
	return nil
}
