package hypervisor

import (
	"context"
	"fmt"

	libvirt "github.com/digitalocean/go-libvirt"
)

// agentTransport implements guestagent.Transport over a single libvirt
// domain, using DomainQemuAgentCommand the same way the original's
// libvirt_qemu_ga_utils.py always goes through libvirt_qemu.qemuAgentCommand()
// rather than opening a socket of its own.
type agentTransport struct {
	conn   *libvirt.Libvirt
	domain libvirt.Domain
}

// agentCommandTimeoutSeconds is passed to DomainQemuAgentCommand as the
// timeout argument; a negative value tells libvirt to use its default
// guest-agent response timeout rather than imposing our own.
const agentCommandTimeoutSeconds = -1

func (t *agentTransport) Command(_ context.Context, request []byte) ([]byte, error) {
	result, err := t.conn.DomainQemuAgentCommand(t.domain, string(request), agentCommandTimeoutSeconds, 0)
	if err != nil {
		return nil, fmt.Errorf("domain qemu agent command: %w", err)
	}

	return []byte(result), nil
}
