// Package analyzer classifies a source archive's build-recipe format and
// synthesizes its build-time dependency closure, without ever executing
// archive contents, the way original_source/analyze.py does for each
// carpetbag source package.
package analyzer

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"

	"github.com/jturney/carpetbag/internal/archive"
	"github.com/jturney/carpetbag/internal/job"
)

// Analyzer classifies source archives and derives their dependency set
// using a fixed Tables snapshot.
type Analyzer struct {
	tables *Tables
	logger *slog.Logger
}

// New returns an Analyzer bound to the given Tables.
func New(tables *Tables, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{tables: tables, logger: logger}
}

var (
	dependRe    = regexp.MustCompile(`(?ms)^DEPEND=\s*"(.*?)"`)
	inheritRe   = regexp.MustCompile(`(?m)^inherit(.*)$`)
	crossHostRe = regexp.MustCompile(`(?m)^CROSS_HOST\s*=\s*"?(.*?)"?\s*$`)
	requiresRe  = regexp.MustCompile(`^requires:(.*)$`)
	cygbuildRe  = regexp.MustCompile(`(?m)^CYGBUILD`)
	typedAtomRe = regexp.MustCompile(`^(.*)\((.*)\)$`)
)

// Analyze inspects srcpkg (a tar archive under any supported
// compression) and returns its PackageKind. indir is the package's
// upload directory, containing sibling packages' setup.hint files used
// for the runtime-to-build-time dependency heuristic.
func (a *Analyzer) Analyze(srcpkg, indir string) job.PackageKind {
	members, err := archive.Members(srcpkg)
	if err != nil {
		a.logger.Error("analyzer.archive.unreadable", "srcpkg", srcpkg, "err", err)

		return job.PackageKind{}
	}

	var cygports, scripts []string

	for _, m := range members {
		switch {
		case matchesGlob(m.Name, "**/*.cygport"):
			cygports = append(cygports, m.Name)
		case matchesGlob(m.Name, "**/*.sh"):
			scripts = append(scripts, m.Name)
		}
	}

	if len(cygports) > 1 {
		a.logger.Error("analyzer.cygport.ambiguous", "srcpkg", srcpkg, "count", len(cygports))

		return job.PackageKind{}
	}

	if len(cygports) == 1 {
		return a.analyzeCygport(srcpkg, indir, cygports[0])
	}

	if len(scripts) > 1 {
		a.logger.Error("analyzer.script.ambiguous", "srcpkg", srcpkg, "count", len(scripts))

		return job.PackageKind{}
	}

	if len(scripts) == 1 {
		return a.analyzeScript(srcpkg, indir, scripts[0])
	}

	a.logger.Error("analyzer.recipe.missing", "srcpkg", srcpkg)

	return job.PackageKind{}
}

func matchesGlob(name, pattern string) bool {
	ok, err := doublestar.Match(pattern, name)

	return err == nil && ok
}

func (a *Analyzer) analyzeCygport(srcpkg, indir, member string) job.PackageKind {
	content, err := archive.ReadFile(srcpkg, member)
	if err != nil {
		a.logger.Error("analyzer.cygport.unreadable", "srcpkg", srcpkg, "err", err)

		return job.PackageKind{}
	}

	text := string(content)

	if match := dependRe.FindStringSubmatch(text); match != nil {
		a.logger.Info("analyzer.cygport.depend", "srcpkg", srcpkg, "script", member)

		deps := lo.Union(a.dependsFromDepend(match[1]), a.dependsFromDatabase(indir))

		return job.PackageKind{Kind: job.KindCygportWithDepends, Script: member, Depends: joinSorted(deps)}
	}

	a.logger.Info("analyzer.cygport.guessed", "srcpkg", srcpkg, "script", member)

	deps := lo.Union(
		a.dependsFromHints(indir),
		a.dependsFromCygport(text),
		a.dependsFromDatabase(indir),
	)

	return job.PackageKind{Kind: job.KindCygportGuessed, Script: member, Depends: joinSorted(deps)}
}

func (a *Analyzer) analyzeScript(srcpkg, indir, member string) job.PackageKind {
	content, err := archive.ReadFile(srcpkg, member)
	if err != nil {
		a.logger.Error("analyzer.script.unreadable", "srcpkg", srcpkg, "err", err)

		return job.PackageKind{}
	}

	kind := job.KindGBS
	if cygbuildRe.Match(content) {
		kind = job.KindCygbuild
	}

	a.logger.Info("analyzer.script.classified", "srcpkg", srcpkg, "kind", kind, "script", member)

	deps := lo.Union(a.dependsFromHints(indir), a.dependsFromCygbuild(kind), a.dependsFromDatabase(indir))

	return job.PackageKind{Kind: kind, Script: member, Depends: joinSorted(deps)}
}

// dependsFromDepend transforms a cygport DEPEND atom list into cygwin
// package names (analyze.py's depends_from_depend).
func (a *Analyzer) dependsFromDepend(depend string) []string {
	var deps []string

	for _, atom := range strings.Fields(depend) {
		match := typedAtomRe.FindStringSubmatch(atom)
		if match == nil {
			deps = append(deps, atom)

			continue
		}

		depType, module := match[1], match[2]

		switch depType {
		case "perl":
			deps = append(deps, "perl-"+strings.ReplaceAll(module, "::", "-"))
		case "pkgconfig":
			key := module + ".pc"
			if mapped, ok := a.tables.PkgConfigMap[key]; ok {
				deps = append(deps, mapped...)
			} else {
				a.logger.Warn("analyzer.pkgconfig.unmapped", "module", key)
			}

			deps = append(deps, "pkg-config")
		default:
			a.logger.Warn("analyzer.depend.unhandled-type", "type", depType, "module", module)
		}
	}

	return lo.Uniq(deps)
}

// dependsFromHints walks the upload directory's setup.hint files and
// derives build-time dependencies from runtime requirements (analyze.py's
// depends_from_hints).
func (a *Analyzer) dependsFromHints(indir string) []string {
	runtimeDeps := map[string]struct{}{}
	excluded := map[string]struct{}{filepath.Base(indir): {}}

	_ = filepath.WalkDir(indir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}

		if d.IsDir() && path != indir {
			excluded[d.Name()] = struct{}{}
		}

		if d.IsDir() || d.Name() != "setup.hint" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil //nolint:nilerr
		}

		for _, line := range strings.Split(string(data), "\n") {
			if match := requiresRe.FindStringSubmatch(line); match != nil {
				for _, dep := range strings.Fields(match[1]) {
					runtimeDeps[dep] = struct{}{}
				}
			}
		}

		return nil
	})

	buildDeps := map[string]struct{}{}

	for d := range runtimeDeps {
		if _, skip := excluded[d]; skip {
			continue
		}

		if strings.HasSuffix(d, "-devel") {
			buildDeps[d] = struct{}{}

			continue
		}

		if hasCrossPrefix(d) {
			buildDeps[d] = struct{}{}

			continue
		}

		if mapped, ok := a.tables.DevelPackageMap[d]; ok {
			a.logger.Info("analyzer.hints.mapped", "runtime", d, "devel", mapped)

			for _, m := range mapped {
				buildDeps[m] = struct{}{}
			}
		}

		for _, prefix := range []string{"perl", "python", "python3", "ruby"} {
			if strings.HasPrefix(d, prefix) {
				buildDeps[d] = struct{}{}
			}
		}
	}

	if _, ok := buildDeps["libgpgme-devel"]; ok {
		buildDeps["libgpg-error-devel"] = struct{}{}
	}

	buildDeps["gettext-devel"] = struct{}{}

	return keys(buildDeps)
}

func hasCrossPrefix(name string) bool {
	for _, prefix := range CrossPackagePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

type inheritRule struct {
	anyOf []string
	deps  []string
}

var inheritRules = []inheritRule{
	{[]string{"gnome2"}, []string{"gnome-common"}},
	{[]string{"kf5"}, []string{"cmake", "extra-cmake-modules"}},
	{[]string{"mate"}, []string{"mate-common"}},
	{[]string{"python", "python-distutils"}, []string{"python"}},
	{[]string{"python3", "python3-distutils"}, []string{"python3"}},
	{[]string{"texlive"}, []string{"texlive-collection-basic"}},
	{[]string{"xfce4"}, []string{"xfce4-dev-tools"}},
	{[]string{"xorg"}, []string{"xorg-util-macros"}},
}

// dependsFromCygport derives build dependencies from a cygport's
// `inherit` directives (analyze.py's depends_from_cygport).
func (a *Analyzer) dependsFromCygport(content string) []string {
	inherits := map[string]struct{}{}

	for _, match := range inheritRe.FindAllStringSubmatch(content, -1) {
		for _, i := range strings.Fields(match[1]) {
			inherits[i] = struct{}{}
		}
	}

	buildDeps := map[string]struct{}{}

	for _, rule := range inheritRules {
		for _, want := range rule.anyOf {
			if _, ok := inherits[want]; ok {
				for _, d := range rule.deps {
					buildDeps[d] = struct{}{}
				}
			}
		}
	}

	_, autotools := inherits["autotools"]
	if autotools || len(inherits) == 0 {
		buildDeps["pkg-config"] = struct{}{}
	}

	if _, cross := inherits["cross"]; cross {
		prefix := ""

		if match := crossHostRe.FindStringSubmatch(content); match != nil {
			prefix = CrossPackagePrefixes[match[1]]

			a.logger.Info("analyzer.cross.resolved", "cross_host", match[1], "prefix", prefix)
		}

		for _, tool := range []string{"binutils", "gcc-core", "gcc-g++", "pkg-config"} {
			buildDeps[prefix+tool] = struct{}{}
		}
	}

	return keys(buildDeps)
}

// dependsFromDatabase looks up the package-directory basename in the
// per-package override table (analyze.py's depends_from_database).
func (a *Analyzer) dependsFromDatabase(indir string) []string {
	pkg := filepath.Base(indir)

	return append([]string(nil), a.tables.PerPackageDeps[pkg]...)
}

// dependsFromCygbuild returns the fixed dependency cygbuild-style
// recipes always need. g-b-s recipes get nothing extra here.
func (a *Analyzer) dependsFromCygbuild(kind job.Kind) []string {
	if kind != job.KindCygbuild {
		return nil
	}

	return []string{"quilt"}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}

func joinSorted(deps []string) string {
	deps = lo.Uniq(deps)
	sort.Strings(deps)

	return strings.Join(deps, ",")
}
