package builder_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/jturney/carpetbag/internal/builder"
	"github.com/jturney/carpetbag/internal/guestagent"
	"github.com/jturney/carpetbag/internal/hypervisor"
	"github.com/jturney/carpetbag/internal/job"
)

// fakeVM satisfies hypervisor.VM without any real libvirt domain.
type fakeVM struct {
	name  string
	agent *guestagent.Client
}

func (f *fakeVM) Name() string             { return f.name }
func (f *fakeVM) Agent() *guestagent.Client { return f.agent }

var _ hypervisor.VM = (*fakeVM)(nil)

// fakeDriver records lifecycle calls and hands back a VM wired to a
// fakeTransport, so Build can run end to end without hypervisor or
// libvirt.
type fakeDriver struct {
	vm            *fakeVM
	waitForAgent  bool
	decommissions int
	cloneErr      error
}

func (d *fakeDriver) Clone(ctx context.Context, baseDomain, cloneName string) (hypervisor.VM, error) {
	if d.cloneErr != nil {
		return nil, d.cloneErr
	}

	d.vm.name = cloneName

	return d.vm, nil
}

func (d *fakeDriver) WaitForAgent(ctx context.Context, vm hypervisor.VM) bool {
	return d.waitForAgent
}

func (d *fakeDriver) Decommission(vm hypervisor.VM) error {
	d.decommissions++

	return nil
}

// fakeTransport is an in-memory guest-agent transport: it serves
// guest-file-open/read/write/close backed by a map, and guest-exec /
// guest-exec-status from a scripted exit code, so the builder's exec
// and file-transfer calls can be driven deterministically.
type fakeTransport struct {
	files      map[string][]byte
	handles    map[int]*handleState
	nextHandle int
	exitCode   int
}

type handleState struct {
	path   string
	mode   string
	offset int
	buf    []byte
}

func newFakeTransport(exitCode int) *fakeTransport {
	return &fakeTransport{files: map[string][]byte{}, handles: map[int]*handleState{}, exitCode: exitCode}
}

func (f *fakeTransport) Command(ctx context.Context, req []byte) ([]byte, error) {
	var envelope struct {
		Execute   string          `json:"execute"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Execute {
	case "guest-ping":
		return []byte(`{"return":{}}`), nil
	case "guest-file-open":
		var args struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
		}

		_ = json.Unmarshal(envelope.Arguments, &args)

		h := f.nextHandle
		f.nextHandle++

		state := &handleState{path: args.Path, mode: args.Mode}
		if strings.HasPrefix(args.Mode, "r") {
			state.buf = append([]byte(nil), f.files[args.Path]...)
		}

		f.handles[h] = state

		return []byte(`{"return":` + itoa(h) + `}`), nil
	case "guest-file-write":
		var args struct {
			Handle int    `json:"handle"`
			Buf    string `json:"buf-b64"`
		}

		_ = json.Unmarshal(envelope.Arguments, &args)

		state := f.handles[args.Handle]
		data, _ := base64.StdEncoding.DecodeString(args.Buf)
		f.files[state.path] = append(f.files[state.path], data...)

		resp, _ := json.Marshal(map[string]any{"return": map[string]int{"count": len(data)}})

		return resp, nil
	case "guest-file-read":
		var args struct {
			Handle int `json:"handle"`
			Count  int `json:"count"`
		}

		_ = json.Unmarshal(envelope.Arguments, &args)

		state := f.handles[args.Handle]

		end := state.offset + args.Count
		if end > len(state.buf) {
			end = len(state.buf)
		}

		chunk := state.buf[state.offset:end]
		state.offset = end
		eof := state.offset >= len(state.buf)

		resp, _ := json.Marshal(map[string]any{
			"return": map[string]any{
				"buf-b64": base64.StdEncoding.EncodeToString(chunk),
				"eof":     eof,
			},
		})

		return resp, nil
	case "guest-file-close":
		var args struct {
			Handle int `json:"handle"`
		}

		_ = json.Unmarshal(envelope.Arguments, &args)
		delete(f.handles, args.Handle)

		return []byte(`{"return":{}}`), nil
	case "guest-exec":
		return []byte(`{"return":{"pid":1}}`), nil
	case "guest-exec-status":
		resp, _ := json.Marshal(map[string]any{
			"return": guestagent.ExecStatus{Exited: true, ExitCode: f.exitCode},
		})

		return resp, nil
	}

	return []byte(`{"return":{}}`), nil
}

func itoa(n int) string {
	b, _ := json.Marshal(n)

	return string(b)
}

func TestBuildCollectsManifestOnSuccessfulExit(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(dir, "build.sh"), []byte("#!/bin/sh\n"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir, "wrapper.sh"), []byte("#!/bin/sh\n"), 0o644)).To(Succeed())
	srcpkg := filepath.Join(dir, "foo-1.0-1-src.tar")
	g.Expect(os.WriteFile(srcpkg, []byte("tar-bytes"), 0o644)).To(Succeed())

	cwd, err := os.Getwd()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(os.Chdir(dir)).To(Succeed())

	t.Cleanup(func() { _ = os.Chdir(cwd) })

	transport := newFakeTransport(0)
	transport.files[`C:\vm_in\output`] = []byte("build succeeded\n")
	transport.files[`C:\vm_out\manifest`] = []byte("foo-1.0-1.tar.xz\n")
	transport.files[`C:\vm_out\foo-1.0-1.tar.xz`] = []byte("package-bytes")

	agent := guestagent.New(transport, nil)
	driver := &fakeDriver{vm: &fakeVM{agent: agent}, waitForAgent: true}

	b := builder.New(driver, nil, nil)

	outDir := filepath.Join(dir, "out")
	g.Expect(os.MkdirAll(outDir, 0o755)).To(Succeed())

	var log strings.Builder

	result, err := b.Build(context.Background(), builder.Request{
		JobID:     42,
		Arch:      "x86_64",
		Srcpkg:    srcpkg,
		Script:    "foo.cygport",
		Kind:      job.KindCygportWithDepends,
		OutDir:    outDir,
		LogWriter: &log,
	})

	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.Built).To(BeTrue())
	g.Expect(result.Manifest).To(ConsistOf("foo-1.0-1.tar.xz"))
	g.Expect(log.String()).To(Equal("build succeeded\n"))
	g.Expect(driver.decommissions).To(Equal(1))

	artifact, err := os.ReadFile(filepath.Join(outDir, "foo-1.0-1.tar.xz"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(artifact)).To(Equal("package-bytes"))
}

func TestBuildReportsFailureWithoutCollectingManifest(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(dir, "build.sh"), []byte("#!/bin/sh\n"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir, "wrapper.sh"), []byte("#!/bin/sh\n"), 0o644)).To(Succeed())
	srcpkg := filepath.Join(dir, "foo-1.0-1-src.tar")
	g.Expect(os.WriteFile(srcpkg, []byte("tar-bytes"), 0o644)).To(Succeed())

	cwd, err := os.Getwd()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(os.Chdir(dir)).To(Succeed())

	t.Cleanup(func() { _ = os.Chdir(cwd) })

	transport := newFakeTransport(1)
	transport.files[`C:\vm_in\output`] = []byte("build failed\n")

	agent := guestagent.New(transport, nil)
	driver := &fakeDriver{vm: &fakeVM{agent: agent}, waitForAgent: true}

	b := builder.New(driver, nil, nil)

	outDir := filepath.Join(dir, "out")
	g.Expect(os.MkdirAll(outDir, 0o755)).To(Succeed())

	result, err := b.Build(context.Background(), builder.Request{
		JobID:  7,
		Arch:   "x86_64",
		Srcpkg: srcpkg,
		Script: "foo.cygport",
		Kind:   job.KindCygportWithDepends,
		OutDir: outDir,
	})

	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(result.Built).To(BeFalse())
	g.Expect(result.Manifest).To(BeEmpty())
	g.Expect(driver.decommissions).To(Equal(1))

	_, statErr := os.Stat(filepath.Join(outDir, "manifest"))
	g.Expect(os.IsNotExist(statErr)).To(BeTrue())
}

func TestBuildReturnsErrorForUnknownArch(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	driver := &fakeDriver{vm: &fakeVM{}}
	b := builder.New(driver, nil, nil)

	_, err := b.Build(context.Background(), builder.Request{JobID: 1, Arch: "sparc"})

	g.Expect(err).To(MatchError(builder.ErrUnknownArch))
	g.Expect(driver.decommissions).To(Equal(0))
}
