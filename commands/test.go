package commands

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/jturney/carpetbag/internal/dirqueue"
)

// Test is the `carpetbagd test` subcommand: stage a package's latest
// source archive (plus its setup.hint files) into the uploads tree as if
// it had just been uploaded, and enqueue it — the only way to exercise
// the pipeline without a live rsync feed. Mirrors
// original_source/test.py.
type Test struct {
	Root      string `default:"/var/lib/carpetbag" env:"CARPETBAG_ROOT" help:"Storage root"`
	QueueName string `default:"package_build_q"    env:"CARPETBAG_QUEUE" help:"Queue name under Root/dirq"`
	FTPRoot   string `default:"/var/ftp/pub/cygwin" env:"CARPETBAG_FTP_ROOT" help:"Root of the distribution tree to stage from"`
	Package   string `arg:""                       optional:""           help:"Package name to stage; omitted picks one at random from a maintainer list"`
	Arch      string `default:"x86_64"              env:"CARPETBAG_ARCH"  help:"Architecture to stage for"`
	MaintList string `env:"CARPETBAG_MAINT_LIST"    help:"Path to a cygwin-pkg-maint-style file, used when Package is omitted"`
}

var srcTarRe = regexp.MustCompile(`-src\.tar\.(bz2|gz|lzma|xz)$`)

// Run stages the chosen package's latest source archive into
// Root/uploads/<arch>/release/<pkg>/ and enqueues its relative path.
func (t *Test) Run(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	pkg := t.Package
	if pkg == "" {
		name, err := pickRandomPackage(t.MaintList)
		if err != nil {
			return err
		}

		pkg = name
	}

	packageDir := filepath.Join(t.FTPRoot, t.Arch, "release", pkg)

	filename, err := latestSrcArchive(packageDir)
	if err != nil {
		return err
	}

	uploadDir := filepath.Join(t.Root, "uploads", t.Arch, "release", pkg)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir %s: %w", uploadDir, err)
	}

	for _, name := range []string{filename, "setup.hint"} {
		if err := copyFile(filepath.Join(packageDir, name), filepath.Join(uploadDir, name)); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	q, err := dirqueue.Open(filepath.Join(t.Root, "dirq", t.QueueName))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	srcpkg := filepath.Join(t.Arch, "release", pkg, filename)

	if _, err := q.Add(srcpkg); err != nil {
		return fmt.Errorf("enqueue %s: %w", srcpkg, err)
	}

	logger.Info("carpetbagd.test.enqueued", "package", pkg, "arch", t.Arch, "srcpkg", srcpkg)

	return nil
}

func latestSrcArchive(packageDir string) (string, error) {
	entries, err := os.ReadDir(packageDir)
	if err != nil {
		return "", fmt.Errorf("list package dir %s: %w", packageDir, err)
	}

	var (
		latest   string
		latestAt int64
	)

	for _, e := range entries {
		if e.IsDir() || !srcTarRe.MatchString(e.Name()) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if mtime := info.ModTime().Unix(); mtime > latestAt {
			latestAt = mtime
			latest = e.Name()
		}
	}

	if latest == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSrcArchive, packageDir)
	}

	return latest, nil
}

// ErrNoSrcArchive is returned when a package directory has no -src.tar.*
// member to stage.
var ErrNoSrcArchive = fmt.Errorf("commands: no -src.tar.* archive found")

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	_, err = io.Copy(out, in)

	cerr := out.Close()
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}

	if cerr != nil {
		return fmt.Errorf("close %s: %w", dst, cerr)
	}

	return nil
}

var maintLineRe = regexp.MustCompile(`^(\S+)\s+(.+)$`)

func pickRandomPackage(maintListPath string) (string, error) {
	if maintListPath == "" {
		return "", ErrNoMaintList
	}

	data, err := os.ReadFile(maintListPath)
	if err != nil {
		return "", fmt.Errorf("read maintainer list %s: %w", maintListPath, err)
	}

	var names []string

	for _, line := range splitLines(string(data)) {
		if match := maintLineRe.FindStringSubmatch(line); match != nil {
			names = append(names, match[1])
		}
	}

	if len(names) == 0 {
		return "", fmt.Errorf("%w: no packages in %s", ErrNoMaintList, maintListPath)
	}

	// Sorted first so the random pick is deterministic for a given index,
	// then indexed with math/rand/v2's global source, which the runtime
	// seeds randomly — no package name is favored across runs.
	sort.Strings(names)

	return names[randomIndex(len(names))], nil
}

// ErrNoMaintList is returned when no package is named on the command line
// and no maintainer list is configured to pick a random one from.
var ErrNoMaintList = fmt.Errorf("commands: no package specified and no maintainer list configured")

func randomIndex(n int) int {
	return rand.IntN(n) //nolint:gosec
}

func splitLines(s string) []string {
	var lines []string

	start := 0

	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}

	if start < len(s) {
		lines = append(lines, s[start:])
	}

	return lines
}
