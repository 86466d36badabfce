package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/jturney/carpetbag/internal/analyzer"
	"github.com/jturney/carpetbag/internal/builder"
	"github.com/jturney/carpetbag/internal/job"
	"github.com/jturney/carpetbag/internal/store"
	"github.com/jturney/carpetbag/internal/verifier"
)

type fakeBuilder struct {
	called bool
	result builder.Result
	err    error
}

func (f *fakeBuilder) Build(_ context.Context, _ builder.Request) (builder.Result, error) {
	f.called = true

	return f.result, f.err
}

func newHarness(t *testing.T) (*Service, *store.Store, *fakeBuilder, string) {
	t.Helper()

	root := t.TempDir()

	cfg := Config{
		Root:         root,
		LogDir:       filepath.Join(root, "logs"),
		QueueName:    "package_build_q",
		PollInterval: time.Millisecond,
		Archs:        []string{"x86_64"},
	}

	st, q, err := Bootstrap(cfg)
	NewWithT(t).Expect(err).NotTo(HaveOccurred())

	an := analyzer.New(&analyzer.Tables{PerPackageDeps: map[string][]string{}}, nil)
	vf := verifier.New(nil)
	fb := &fakeBuilder{}

	svc := New(cfg, q, st, an, fb, vf, nil)

	t.Cleanup(func() { _ = st.Close() })

	return svc, st, fb, root
}

func TestAdmitCreatesMonotonicPendingJobsAndDrainsQueue(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	ctx := context.Background()

	svc, st, _, _ := newHarness(t)

	_, err := svc.queue.Add("x86_64/release/tzcode/tzcode-2016c-1-src.tar.xz")
	g.Expect(err).NotTo(HaveOccurred())

	_, err = svc.queue.Add("x86_64/release/tzcode/tzcode-2016d-1-src.tar.xz")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(svc.admit(ctx)).To(Succeed())

	pending, err := st.Pending(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pending).To(HaveLen(2))
	g.Expect(pending[0].ID).To(BeNumerically("<", pending[1].ID))

	names, err := svc.queue.List()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(names).To(BeEmpty())
}

func TestProcessSkipsDisallowedArchWithoutBuilding(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	ctx := context.Background()

	svc, st, fb, root := newHarness(t)

	j := &job.Job{
		ID:      1,
		Srcpkg:  "x86/release/tzcode/tzcode-2016c-1-src.tar.xz",
		Status:  job.StatusPending,
		LogPath: filepath.Join(root, "logs", "1.log"),
	}
	g.Expect(st.Insert(ctx, j)).To(Succeed())

	g.Expect(svc.dispatch(ctx)).To(Succeed())

	pending, err := st.Pending(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pending).To(BeEmpty())
	g.Expect(fb.called).To(BeFalse())
}

func TestProcessMarksAnalysisFailureWithoutInvokingBuilder(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)
	ctx := context.Background()

	svc, st, fb, root := newHarness(t)

	reldir := filepath.Join("x86_64", "release", "tzcode")
	g.Expect(os.MkdirAll(filepath.Join(root, "uploads", reldir), 0o755)).To(Succeed())

	j := &job.Job{
		ID:      1,
		Srcpkg:  filepath.ToSlash(filepath.Join(reldir, "tzcode-2016c-1-src.tar.xz")),
		Status:  job.StatusPending,
		LogPath: filepath.Join(root, "logs", "1.log"),
	}
	g.Expect(st.Insert(ctx, j)).To(Succeed())

	g.Expect(svc.dispatch(ctx)).To(Succeed())

	pending, err := st.Pending(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pending).To(BeEmpty())
	g.Expect(fb.called).To(BeFalse())
}

func TestSplitSrcpkg(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	arch, reldir := splitSrcpkg("x86_64/release/tzcode/tzcode-2016c-1-src.tar.xz")
	g.Expect(arch).To(Equal("x86_64"))
	g.Expect(filepath.ToSlash(reldir)).To(Equal("x86_64/release/tzcode"))
}
