// Package hypervisor thin-clones a golden VM image per job, waits for the
// in-guest agent to come up, and tears the clone back down, the way
// clone.py and libvirt_test.py drive libvirt and the QEMU guest agent for
// each carpetbag build.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jturney/carpetbag/internal/guestagent"
)

// VM is the surface internal/builder needs from a live clone: its name
// (for logging and to match lifecycle events) and a guest-agent client
// already wired to talk to it.
type VM interface {
	Name() string
	Agent() *guestagent.Client
}

// Handle is a live clone: the libvirt domain it defined, the overlay disk
// file backing it, and a guest-agent client already wired to talk to it.
type Handle struct {
	name    string
	Overlay string

	domain libvirt.Domain
	conn   *libvirt.Libvirt
	agent  *guestagent.Client
}

// Name returns the clone's domain name.
func (h *Handle) Name() string {
	return h.name
}

// Agent returns the guest-agent client bound to this clone's domain.
func (h *Handle) Agent() *guestagent.Client {
	return h.agent
}

var _ VM = (*Handle)(nil)

// Cloner creates and destroys thin clones of a single golden domain.
type Cloner struct {
	conn   *libvirt.Libvirt
	logger *slog.Logger
	events <-chan AgentLifecycleEvent

	// debug disables teardown, leaving the clone running for inspection.
	debug bool
}

// New returns a Cloner bound to an already-connected libvirt RPC handle.
// events is the hypervisor's guest-agent lifecycle event stream (obtained
// once, process-wide, from the connection); it may be nil, in which case
// WaitForAgent always falls back to the boot-wait timeout.
func New(conn *libvirt.Libvirt, events <-chan AgentLifecycleEvent, logger *slog.Logger, debug bool) *Cloner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cloner{conn: conn, events: events, logger: logger, debug: debug}
}

// Clone thin-clones baseDomain into a freshly named, freshly UUID'd
// domain backed by a qcow2 overlay and starts it with the autodestroy
// flag (skipped in debug mode). It does not wait for the guest agent;
// that is WaitForAgent's job.
//
// This mirrors clone.py's clone(): fetch the base domain's XML, rewrite
// name/uuid/disk-source, refuse if the base disk isn't qcow2 or has any
// write permission bit set, create the overlay with qemu-img, and define
// the new domain from the edited descriptor.
func (c *Cloner) Clone(ctx context.Context, baseDomain, cloneName string) (VM, error) {
	base, err := c.conn.DomainLookupByName(baseDomain)
	if err != nil {
		return nil, fmt.Errorf("lookup base domain %s: %w", baseDomain, err)
	}

	xmlDesc, err := c.conn.DomainGetXMLDesc(base, libvirt.DomainXMLSecure)
	if err != nil {
		return nil, fmt.Errorf("get xml for %s: %w", baseDomain, err)
	}

	cloneUUID := uuid.New().String()

	rewritten, err := rewriteDomainXML(xmlDesc, cloneName, cloneUUID, "")
	if err != nil {
		return nil, fmt.Errorf("inspect base domain xml: %w", err)
	}

	if err := checkBaseImageReadOnly(rewritten.BaseFile); err != nil {
		return nil, err
	}

	overlay := filepath.Join(filepath.Dir(rewritten.BaseFile), cloneName+".qcow2")
	if err := createOverlay(ctx, rewritten.BaseFile, overlay); err != nil {
		return nil, err
	}

	finalXML, err := rewriteDomainXML(xmlDesc, cloneName, cloneUUID, overlay)
	if err != nil {
		return nil, fmt.Errorf("rewrite clone domain xml: %w", err)
	}

	domain, err := c.conn.DomainDefineXML(finalXML.XML)
	if err != nil {
		_ = os.Remove(overlay)

		return nil, fmt.Errorf("define domain %s: %w", cloneName, err)
	}

	flags := libvirt.DomainStartAutodestroy
	if c.debug {
		flags = 0
	}

	if err := c.conn.DomainCreateWithFlags(domain, flags); err != nil {
		return nil, fmt.Errorf("start domain %s: %w", cloneName, err)
	}

	c.logger.Info("hypervisor.clone.started", "name", cloneName, "overlay", overlay)

	transport := &agentTransport{conn: c.conn, domain: domain}

	return &Handle{
		name:    cloneName,
		Overlay: overlay,
		domain:  domain,
		conn:    c.conn,
		agent:   guestagent.New(transport, c.logger),
	}, nil
}

// WaitForAgent blocks until vm's guest agent is reachable, or
// BootWaitTimeout elapses, whichever is first. On timeout it returns
// false but does not error: the caller proceeds anyway and lets the next
// step fail loudly, per the original's design.
func (c *Cloner) WaitForAgent(ctx context.Context, vm VM) bool {
	if waitForAgent(ctx, c.events, vm.Name()) {
		return true
	}

	c.logger.Warn("hypervisor.clone.agent-wait-timeout", "name", vm.Name())

	return false
}

// Decommission destroys and undefines the clone's domain and removes its
// overlay disk, unless the Cloner is in debug mode, in which case it is
// left running for inspection.
func (c *Cloner) Decommission(vm VM) error {
	h, ok := vm.(*Handle)
	if !ok {
		return fmt.Errorf("hypervisor: Decommission called with foreign VM %s", vm.Name())
	}

	if c.debug {
		c.logger.Info("hypervisor.clone.debug-skip-teardown", "name", h.name)

		return nil
	}

	var errs []error

	if err := c.conn.DomainDestroy(h.domain); err != nil {
		errs = append(errs, fmt.Errorf("destroy domain %s: %w", h.name, err))
	}

	undefineFlags := libvirt.DomainUndefineManagedSave |
		libvirt.DomainUndefineSnapshotsMetadata |
		libvirt.DomainUndefineNvram

	if err := c.conn.DomainUndefineFlags(h.domain, undefineFlags); err != nil {
		errs = append(errs, fmt.Errorf("undefine domain %s: %w", h.name, err))
	}

	if err := os.Remove(h.Overlay); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove overlay %s: %w", h.Overlay, err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("hypervisor.clone.decommissioned", "name", h.name)

	return nil
}

// checkBaseImageReadOnly refuses to clone from a base disk image that is
// writable, since that would mean some other VM could be mutating it out
// from under the clone's overlay. clone.py does the same os.stat check,
// noting it's "more to ensure people are informed about the risk than a
// rigorous check".
func checkBaseImageReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat base image %s: %w", path, err)
	}

	if info.Mode().Perm()&0o222 != 0 {
		return fmt.Errorf("%w: %s", ErrBaseImageWritable, path)
	}

	return nil
}

// ErrBaseImageWritable is returned when the base domain's disk image is
// writable and therefore unsafe to thin-clone from.
var ErrBaseImageWritable = errors.New("hypervisor: base VM image is writable, too dangerous to clone")

// createOverlay shells out to qemu-img to create a qcow2 overlay backed
// by base, the same command clone.py issues via os.system.
func createOverlay(ctx context.Context, base, overlay string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", "-b", base, "-F", "qcow2", overlay) //nolint:gosec

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create overlay %s: %w (%s)", overlay, err, output)
	}

	return nil
}
