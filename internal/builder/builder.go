// Package builder drives the per-job VM lifecycle: clone, boot-wait,
// provision, build, collect, teardown. It is the Go reworking of
// original_source/builder.py and original_source/libvirt_test.py's
// guest-side command sequence, using internal/hypervisor for the clone
// lifecycle and internal/guestagent for the in-guest RPC calls.
package builder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jturney/carpetbag/internal/guestagent"
	"github.com/jturney/carpetbag/internal/hypervisor"
	"github.com/jturney/carpetbag/internal/job"
	"github.com/jturney/carpetbag/internal/steptimer"
)

// Driver is the subset of internal/hypervisor.Cloner the builder needs,
// narrowed to an interface so tests can substitute a fake VM lifecycle.
type Driver interface {
	Clone(ctx context.Context, baseDomain, cloneName string) (hypervisor.VM, error)
	WaitForAgent(ctx context.Context, vm hypervisor.VM) bool
	Decommission(vm hypervisor.VM) error
}

// Request is everything one build attempt needs.
type Request struct {
	JobID     int64
	Arch      string
	Srcpkg    string // host path to the source archive
	Script    string // recipe filename inside the archive
	Kind      job.Kind
	Depends   string // comma-separated; empty means "none known"
	OutDir    string // host directory to collect manifest artifacts into
	LogWriter io.Writer
}

// Result reports the outcome of a build attempt.
type Result struct {
	Built    bool
	Manifest []string
	Report   string
}

// Builder runs the clone → boot-wait → provision → build → collect →
// teardown state machine for one job at a time.
type Builder struct {
	driver    Driver
	archTable map[string]ArchConfig
	logger    *slog.Logger
}

// New returns a Builder bound to driver and the given arch table
// (DefaultArchTable if archTable is nil).
func New(driver Driver, archTable map[string]ArchConfig, logger *slog.Logger) *Builder {
	if archTable == nil {
		archTable = DefaultArchTable
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{driver: driver, archTable: archTable, logger: logger}
}

// Build runs one end-to-end build attempt. A non-nil error indicates a VM
// lifecycle failure (clone, define, or start) — the caller should mark
// the job exception. Any other failure (guest-agent transport, non-zero
// build exit) is reported through Result.Built without an error, per
// spec.md §7's error-kind table.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	cfg, err := resolveArch(b.archTable, req.Arch)
	if err != nil {
		return Result{}, err
	}

	timer := steptimer.New()
	vmName := fmt.Sprintf("buildvm_%d", req.JobID)

	vm, err := b.driver.Clone(ctx, cfg.GoldenDomain, vmName)
	if err != nil {
		return Result{}, fmt.Errorf("clone %s from %s: %w", vmName, cfg.GoldenDomain, err)
	}

	defer func() {
		if derr := b.driver.Decommission(vm); derr != nil {
			b.logger.Error("builder.teardown.failed", "vm", vmName, "err", derr)
		}
	}()

	timer.Mark("clone")

	if !b.driver.WaitForAgent(ctx, vm) {
		b.logger.Warn("builder.agent.timeout", "vm", vmName)
	}

	timer.Mark("boot-wait")

	agent := vm.Agent()

	result := Result{}

	if err := b.provision(ctx, agent, req); err != nil {
		b.logger.Error("builder.provision.failed", "vm", vmName, "err", err)
		timer.Mark("provision")
		result.Report = timer.Report()

		return result, nil
	}

	timer.Mark("provision")

	built, err := b.runBuild(ctx, agent, cfg, req)
	if err != nil {
		b.logger.Error("builder.build.transport-failed", "vm", vmName, "err", err)
		timer.Mark("build")
		result.Report = timer.Report()

		return result, nil
	}

	timer.Mark("build")

	result.Built = built

	manifest, err := b.collect(ctx, agent, req, built)
	if err != nil {
		b.logger.Error("builder.collect.failed", "vm", vmName, "err", err)
	}

	result.Manifest = manifest

	timer.Mark("collect")
	result.Report = timer.Report()

	b.logger.Info("builder.job.finished", "vm", vmName, "built", result.Built, "report", result.Report)

	return result, nil
}

// provision recreates C:\vm_in\, uploads the recipe inputs, and writes
// the known dependency set, mirroring libvirt_test.py's rmdir/mkdir +
// guestFileCopyTo sequence.
func (b *Builder) provision(ctx context.Context, agent *guestagent.Client, req Request) error {
	if _, err := agent.RunAndWait(ctx, "cmd", []string{"/C", "rmdir", "/S", "/Q", `C:\vm_in\`}); err != nil {
		return fmt.Errorf("reset vm_in: %w", err)
	}

	if _, err := agent.RunAndWait(ctx, "cmd", []string{"/C", "mkdir", `C:\vm_in\`}); err != nil {
		return fmt.Errorf("create vm_in: %w", err)
	}

	for _, local := range []string{"build.sh", "wrapper.sh", req.Srcpkg} {
		if local == "" {
			continue
		}

		dest := `C:\vm_in\` + filepath.Base(local)

		f, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("open %s: %w", local, err)
		}

		err = agent.CopyTo(ctx, dest, f)
		_ = f.Close()

		if err != nil {
			return fmt.Errorf("upload %s: %w", local, err)
		}
	}

	if req.Depends != "" {
		if err := agent.CopyTo(ctx, `C:\vm_in\depends`, strings.NewReader(req.Depends)); err != nil {
			return fmt.Errorf("upload depends: %w", err)
		}
	}

	return nil
}

// runBuild execs the in-guest bash wrapper with the arch-specific path
// and the recipe-identifying arguments spec.md §4.5 names.
func (b *Builder) runBuild(ctx context.Context, agent *guestagent.Client, cfg ArchConfig, req Request) (bool, error) {
	args := []string{
		"-l",
		`/cygdrive/c/vm_in/wrapper.sh`,
		filepath.Base(req.Srcpkg),
		`C:\vm_out`,
		req.Script,
		string(req.Kind),
	}

	return agent.RunAndWait(ctx, cfg.BashPath, args)
}

// collect unconditionally pulls the captured guest output into the job
// log, then — if the build succeeded — pulls the manifest and every
// artifact it names.
func (b *Builder) collect(ctx context.Context, agent *guestagent.Client, req Request, built bool) ([]string, error) {
	if req.LogWriter != nil {
		if err := agent.CopyFrom(ctx, `C:\vm_in\output`, req.LogWriter); err != nil {
			b.logger.Warn("builder.collect.output-unavailable", "err", err)
		}
	}

	if !built {
		return nil, nil
	}

	manifestPath := filepath.Join(req.OutDir, "manifest")

	manifestFile, err := os.Create(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("create local manifest: %w", err)
	}

	err = agent.CopyFrom(ctx, `C:\vm_out\manifest`, manifestFile)
	_ = manifestFile.Close()

	if err != nil {
		return nil, fmt.Errorf("pull manifest: %w", err)
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read local manifest: %w", err)
	}

	var paths []string

	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		paths = append(paths, line)

		localPath := filepath.Join(req.OutDir, filepath.FromSlash(line))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return paths, fmt.Errorf("create output dir for %s: %w", line, err)
		}

		guestPath := `C:\vm_out\` + strings.ReplaceAll(line, "/", `\`)

		f, err := os.Create(localPath)
		if err != nil {
			return paths, fmt.Errorf("create local artifact %s: %w", line, err)
		}

		err = agent.CopyFrom(ctx, guestPath, f)
		_ = f.Close()

		if err != nil {
			return paths, fmt.Errorf("pull artifact %s: %w", line, err)
		}
	}

	return paths, nil
}
