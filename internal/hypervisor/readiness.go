package hypervisor

import (
	"context"
	"time"
)

// BootWaitTimeout is the only explicit timeout in the pipeline: how long
// to wait for the guest agent to report itself alive before giving up and
// letting the next step fail loudly.
const BootWaitTimeout = 5 * time.Minute

// waitForAgent blocks until either a guest-agent lifecycle event arrives
// on events, or timeout elapses — whichever happens first sets the single
// completion flag. Both callbacks (the event arriving, the timer firing)
// are serviced by this one select, so there is no risk of both firing
// into the same flag from different goroutines.
//
// It returns true if the agent reported itself connected before the
// deadline, false if the wait timed out.
func waitForAgent(ctx context.Context, events <-chan AgentLifecycleEvent, domainName string) bool {
	timer := time.NewTimer(BootWaitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}

			if ev.Domain == domainName && ev.Connected {
				return true
			}
		}
	}
}

// AgentLifecycleEvent is the subset of a libvirt guest-agent lifecycle
// notification the readiness waiter cares about.
type AgentLifecycleEvent struct {
	Domain    string
	Connected bool
}
