// Package service is the main loop (L7): directory bootstrap, job
// database / queue / counter initialization, per-iteration sync → scan
// → admit → dispatch → analyze → build → verify → persist, per-job log
// handler attach/detach, and the inter-iteration sleep. It is the Go
// reworking of original_source/main.py end to end.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jturney/carpetbag/internal/analyzer"
	"github.com/jturney/carpetbag/internal/builder"
	"github.com/jturney/carpetbag/internal/dirqueue"
	"github.com/jturney/carpetbag/internal/job"
	"github.com/jturney/carpetbag/internal/store"
	"github.com/jturney/carpetbag/internal/verifier"
)

// purge thresholds for dirqueue.Purge: a crashed worker's lock, or a
// crashed Add's orphan temp file, older than these is reclaimed.
const (
	tempMaxAge = time.Hour
	lockMaxAge = time.Hour
)

// Builder is the subset of *builder.Builder the service needs, narrowed
// to an interface so tests can substitute a fake VM lifecycle.
type Builder interface {
	Build(ctx context.Context, req builder.Request) (builder.Result, error)
}

// Config bundles everything the service needs to find its state on
// disk, plus the tunables spec.md §4.7 and §9 name.
type Config struct {
	Root         string        // storage root, default /var/lib/carpetbag
	LogDir       string        // default /var/log/carpetbag
	QueueName    string        // default "package_build_q"
	RemoteHost   string        // rsync source, e.g. "jon@tambora"; empty disables sync
	RemotePath   string        // remote path synced into Root's uploads+dirq, e.g. /sourceware/cygwin-staging/queue
	PollInterval time.Duration // 1h in production, 1m in test mode (spec.md §4.7)
	Archs        []string      // arch allow-list, default {"x86_64"} (original_source/main.py)
}

// Service drives one pipeline iteration at a time; it is not safe for
// concurrent use (spec.md §5: the service is fundamentally serial).
type Service struct {
	cfg      Config
	queue    *dirqueue.Queue
	store    *store.Store
	analyzer *analyzer.Analyzer
	builder  Builder
	verifier *verifier.Verifier
	logger   *slog.Logger
}

// New wires a Service from its already-constructed collaborators.
func New(cfg Config, q *dirqueue.Queue, st *store.Store, an *analyzer.Analyzer, bd Builder, vf *verifier.Verifier, logger *slog.Logger) *Service {
	if cfg.QueueName == "" {
		cfg.QueueName = "package_build_q"
	}

	if len(cfg.Archs) == 0 {
		cfg.Archs = []string{"x86_64"}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{cfg: cfg, queue: q, store: st, analyzer: an, builder: bd, verifier: vf, logger: logger}
}

// Bootstrap ensures the log/queue/uploads directories and job database
// exist, and purges stale queue state left over from a crash. Call once
// at startup before constructing a Service with New.
func Bootstrap(cfg Config) (*store.Store, *dirqueue.Queue, error) {
	uploadsDir := filepath.Join(cfg.Root, "uploads")
	dirqDir := filepath.Join(cfg.Root, "dirq", cfg.QueueName)

	for _, dir := range []string{cfg.LogDir, uploadsDir, filepath.Dir(dirqDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	q, err := dirqueue.Open(dirqDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Root, "carpetbag.db"), filepath.Join(cfg.Root, "jobid"))
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}

	if err := q.Purge(tempMaxAge, lockMaxAge); err != nil {
		return nil, nil, fmt.Errorf("purge stale queue entries: %w", err)
	}

	return st, q, nil
}

func (s *Service) uploadsDir() string {
	return filepath.Join(s.cfg.Root, "uploads")
}

// Run loops: sync, admit, dispatch, sleep, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil //nolint:nilerr
		}

		s.sync()

		if err := s.admit(ctx); err != nil {
			s.logger.Error("service.admit.failed", "err", err)
		}

		if err := s.dispatch(ctx); err != nil {
			s.logger.Error("service.dispatch.failed", "err", err)
		}

		s.logger.Info("service.iteration.sleeping", "interval", s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// sync invokes the external rsync tool to pull the remote uploads and
// dirq trees, exactly as original_source/main.py's os.system calls do.
// It is explicitly out of scope to reimplement (spec.md §1); a failure
// is logged but never fatal, matching the original's fire-and-forget
// os.system usage.
func (s *Service) sync() {
	if s.cfg.RemoteHost == "" {
		return
	}

	pairs := [][2]string{
		{s.cfg.RemoteHost + ":" + s.cfg.RemotePath + "/uploads/", s.uploadsDir() + "/"},
		{s.cfg.RemoteHost + ":" + s.cfg.RemotePath + "/dirq/", filepath.Join(s.cfg.Root, "dirq") + "/"},
	}

	for _, p := range pairs {
		cmd := exec.Command("rsync", "-ar", "--itemize-changes", "--exclude=*.tmp", "--remove-source-files", p[0], p[1]) //nolint:gosec
		if output, err := cmd.CombinedOutput(); err != nil {
			s.logger.Warn("service.sync.failed", "src", p[0], "err", err, "output", string(output))
		}
	}
}

// admit purges the queue, scans for unclaimed entries, and for each one
// it successfully locks, allocates a job id and inserts a pending row.
func (s *Service) admit(ctx context.Context) error {
	if err := s.queue.Purge(tempMaxAge, lockMaxAge); err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}

	names, err := s.queue.List()
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	for _, name := range names {
		if err := s.queue.Lock(name); err != nil {
			if errors.Is(err, dirqueue.ErrLocked) {
				continue
			}

			return fmt.Errorf("lock %s: %w", name, err)
		}

		if err := s.admitOne(ctx, name); err != nil {
			s.logger.Error("service.admit.entry-failed", "entry", name, "err", err)
		}
	}

	return nil
}

func (s *Service) admitOne(ctx context.Context, name string) error {
	srcpkg, err := s.queue.Get(name)
	if err != nil {
		return fmt.Errorf("read queue entry: %w", err)
	}

	id, err := s.store.Allocate()
	if err != nil {
		return fmt.Errorf("allocate job id: %w", err)
	}

	j := &job.Job{
		ID:           id,
		Srcpkg:       srcpkg,
		Status:       job.StatusPending,
		LogPath:      filepath.Join(s.cfg.LogDir, fmt.Sprintf("%d.log", id)),
		BuildLogPath: filepath.Join(s.cfg.LogDir, fmt.Sprintf("build_%d.log", id)),
	}

	if err := s.store.Insert(ctx, j); err != nil {
		return fmt.Errorf("insert job row: %w", err)
	}

	s.logger.Info("service.admit.job-created", "id", id, "srcpkg", srcpkg)

	return s.queue.Remove(name)
}

// dispatch runs every pending job, one at a time, to completion.
func (s *Service) dispatch(ctx context.Context) error {
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	for _, j := range pending {
		s.process(ctx, j)
	}

	return nil
}

// process runs one job end to end: attach a per-job log handler,
// analyze → build → verify, persist the final status and timings, and
// clean up the job's scratch directories. No error escapes this method
// (spec.md §7: every job runs inside a try/finally equivalent).
func (s *Service) process(ctx context.Context, j *job.Job) {
	logFile, logger, err := s.attachJobLog(j)
	if err != nil {
		s.logger.Error("service.job.log-attach-failed", "id", j.ID, "err", err)

		logger = s.logger
	}

	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	now := time.Now()
	j.Status = job.StatusProcessing
	j.Start = &now

	if err := s.store.Update(ctx, j); err != nil {
		logger.Error("service.job.update-failed", "id", j.ID, "err", err)
	}

	arch, reldir := splitSrcpkg(j.Srcpkg)

	if !containsString(s.cfg.Archs, arch) {
		logger.Warn("service.job.arch-skipped", "id", j.ID, "arch", arch)
		s.finish(ctx, j, job.StatusProcessed, job.BoolPtr(false), nil, logger)

		return
	}

	indir := filepath.Join(s.uploadsDir(), reldir)

	outdir, err := os.MkdirTemp("", "carpetbag_")
	if err != nil {
		logger.Error("service.job.tempdir-failed", "id", j.ID, "err", err)
		s.finish(ctx, j, job.StatusException, nil, nil, logger)

		return
	}

	defer func() { _ = os.RemoveAll(outdir) }()
	defer func() { _ = os.RemoveAll(indir) }()

	srcpkgPath := filepath.Join(s.uploadsDir(), j.Srcpkg)

	pkg := s.analyzer.Analyze(srcpkgPath, indir)
	if pkg.Failed() {
		logger.Error("service.job.analysis-failed", "id", j.ID, "srcpkg", j.Srcpkg)
		s.finish(ctx, j, job.StatusProcessed, job.BoolPtr(false), nil, logger)

		return
	}

	buildLog, err := os.Create(j.BuildLogPath)
	if err != nil {
		logger.Error("service.job.buildlog-failed", "id", j.ID, "err", err)
		s.finish(ctx, j, job.StatusException, nil, nil, logger)

		return
	}
	defer func() { _ = buildLog.Close() }()

	jobOutdir := filepath.Join(outdir, reldir)
	if err := os.MkdirAll(jobOutdir, 0o755); err != nil {
		logger.Error("service.job.outdir-failed", "id", j.ID, "err", err)
		s.finish(ctx, j, job.StatusException, nil, nil, logger)

		return
	}

	result, err := s.builder.Build(ctx, builder.Request{
		JobID:     j.ID,
		Arch:      arch,
		Srcpkg:    srcpkgPath,
		Script:    pkg.Script,
		Kind:      pkg.Kind,
		Depends:   pkg.Depends,
		OutDir:    jobOutdir,
		LogWriter: buildLog,
	})
	if err != nil {
		logger.Error("service.job.vm-lifecycle-failed", "id", j.ID, "err", err)
		s.finish(ctx, j, job.StatusException, nil, nil, logger)

		return
	}

	var valid *bool

	if result.Built {
		ok, verr := s.verifier.Verify(indir, jobOutdir)
		if verr != nil {
			logger.Error("service.job.verify-failed", "id", j.ID, "err", verr)
		} else {
			valid = job.BoolPtr(ok)
		}
	}

	s.finish(ctx, j, job.StatusProcessed, job.BoolPtr(result.Built), valid, logger)
}

func (s *Service) finish(ctx context.Context, j *job.Job, status job.Status, built, valid *bool, logger *slog.Logger) {
	now := time.Now()
	j.Status = status
	j.Built = built
	j.Valid = valid
	j.End = &now

	if err := s.store.Update(ctx, j); err != nil {
		logger.Error("service.job.final-update-failed", "id", j.ID, "err", err)
	}

	logger.Info("service.job.finished", "id", j.ID, "status", status, "built", ptrBool(built), "valid", ptrBool(valid))
}

func (s *Service) attachJobLog(j *job.Job) (*os.File, *slog.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(j.LogPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.Create(j.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create job log %s: %w", j.LogPath, err)
	}

	handler := slog.NewTextHandler(f, nil)
	logger := slog.New(handler).With("job", j.ID)

	return f, logger, nil
}

func splitSrcpkg(srcpkg string) (arch, reldir string) {
	parts := strings.SplitN(filepath.ToSlash(srcpkg), "/", 2)
	if len(parts) == 0 {
		return "", ""
	}

	arch = parts[0]
	reldir = filepath.Dir(srcpkg)

	return arch, reldir
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}

	return false
}

func ptrBool(b *bool) any {
	if b == nil {
		return nil
	}

	return *b
}
