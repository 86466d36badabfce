package hypervisor

import (
	"fmt"
	"net"

	libvirt "github.com/digitalocean/go-libvirt"
)

// Connect dials the libvirt daemon at socketPath (a local Unix domain
// socket, e.g. /var/run/libvirt/libvirt-sock) and returns a connected RPC
// handle along with its guest-agent lifecycle event stream, ready to pass
// to New.
func Connect(socketPath string) (*libvirt.Libvirt, <-chan AgentLifecycleEvent, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("dial libvirt socket %s: %w", socketPath, err)
	}

	l := libvirt.New(conn)

	if err := l.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connect to libvirt: %w", err)
	}

	raw, err := l.LifecycleEvents()
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to domain lifecycle events: %w", err)
	}

	events := make(chan AgentLifecycleEvent)

	go func() {
		defer close(events)

		for ev := range raw {
			if libvirt.DomainEventID(ev.Event) != libvirt.DomainEventIDAgentLifecycle {
				continue
			}

			events <- AgentLifecycleEvent{
				Domain:    ev.Dom.Name,
				Connected: true,
			}
		}
	}()

	return l, events, nil
}
