package session

import (
	"context"

	"voxpaste/internal/clock"
	"voxpaste/internal/ipc"
)

// permissionProbe is the single outstanding permissions:check. Concurrent
// callers share it.
type permissionProbe struct {
	waiters []chan *ipc.Permissions
	timer   clock.Timer
}

// runningChecker is implemented by senders that know whether a helper is
// attached.
type runningChecker interface {
	Running() bool
}

// CheckPermissions asks the helper for its permission state. It returns nil
// without error when no helper is running or no answer arrives within the
// permissions timeout.
func (c *Coordinator) CheckPermissions(ctx context.Context) (*ipc.Permissions, error) {
	reply := make(chan *ipc.Permissions, 1)
	if !c.post(func() { c.startProbe(reply) }) {
		return nil, ErrStopped
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) startProbe(reply chan *ipc.Permissions) {
	if rc, ok := c.deps.Transport.(runningChecker); ok && !rc.Running() {
		reply <- nil
		return
	}
	if c.probe != nil {
		c.probe.waiters = append(c.probe.waiters, reply)
		return
	}

	c.probeGen++
	gen := c.probeGen
	c.probe = &permissionProbe{waiters: []chan *ipc.Permissions{reply}}
	c.probe.timer = c.clk.AfterFunc(c.opts.PermissionsTimeout, func() {
		c.post(func() {
			if c.probe != nil && c.probeGen == gen {
				c.logger.Warn("permissions check timed out")
				c.resolveProbe(nil)
			}
		})
	})
	c.send(ipc.Outbound{Type: ipc.OutPermissionsCheck})
}

// resolveProbe answers every waiter. A permissions message with no probe
// outstanding is ignored.
func (c *Coordinator) resolveProbe(p *ipc.Permissions) {
	if c.probe == nil {
		if p != nil {
			c.logger.Debug("unsolicited permissions message")
		}
		return
	}
	probe := c.probe
	c.probe = nil
	c.probeGen++
	if probe.timer != nil {
		probe.timer.Stop()
	}
	for _, w := range probe.waiters {
		w <- p
	}
}
