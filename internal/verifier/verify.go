// Package verifier compares an uploaded source tree against a rebuilt
// output tree, the way original_source/verify.py does for each carpetbag
// job once the build step completes.
package verifier

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/samber/lo"

	"github.com/jturney/carpetbag/internal/archive"
)

// Verifier compares directory trees and archive contents.
type Verifier struct {
	logger *slog.Logger
}

// New returns a Verifier.
func New(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{logger: logger}
}

var compressedTarRe = regexp.MustCompile(`\.tar\.(bz2|gz|lzma|xz)$`)

var normalizeExtRe = regexp.MustCompile(`\.(bz2|gz|lzma)$`)

// dirTree maps a relative directory path to its sorted filename list.
type dirTree map[string][]string

// Verify compares indir (the uploaded tree) against outdir (the rebuilt
// tree). After normalizing indir's compression-extension variance, the
// two trees must list exactly the same files — any file present on only
// one side, including a rebuilt file absent from the upload, fails the
// manifest-level check and returns false. It then returns true iff every
// file matches its upload counterpart.
func (v *Verifier) Verify(indir, outdir string) (bool, error) {
	uploaded, err := captureDirTree(indir)
	if err != nil {
		return false, fmt.Errorf("capture upload tree %s: %w", indir, err)
	}

	rebuilt, err := captureDirTree(outdir)
	if err != nil {
		return false, fmt.Errorf("capture rebuilt tree %s: %w", outdir, err)
	}

	normalized := normalizeTree(uploaded)

	if !treesEqual(normalized, rebuilt) {
		v.logger.Error("verifier.tree.mismatch", "diff", treeDiff(normalized, rebuilt))

		return false, nil
	}

	ok := true

	for relDir, files := range rebuilt {
		for _, name := range files {
			uploadedName, present := findNormalized(uploaded[relDir], name)
			if !present {
				continue
			}

			match, err := v.compareFile(
				filepath.Join(indir, relDir, uploadedName),
				filepath.Join(outdir, relDir, name),
			)
			if err != nil {
				return false, fmt.Errorf("compare %s: %w", filepath.Join(relDir, name), err)
			}

			if !match {
				ok = false
			}
		}
	}

	return ok, nil
}

// compareFile dispatches to an archive member-list comparison for
// compressed tarballs, or a raw byte comparison otherwise.
func (v *Verifier) compareFile(uploadedPath, rebuiltPath string) (bool, error) {
	name := filepath.Base(rebuiltPath)

	if compressedTarRe.MatchString(name) {
		return v.compareArchiveMembers(uploadedPath, rebuiltPath)
	}

	return v.compareBytes(uploadedPath, rebuiltPath)
}

// compareArchiveMembers compares sorted member-name lists, ignoring any
// `.sig` entries on the uploaded side, which are not reproducible.
func (v *Verifier) compareArchiveMembers(uploadedPath, rebuiltPath string) (bool, error) {
	uploadedMembers, err := archive.Members(uploadedPath)
	if err != nil {
		return false, fmt.Errorf("list members of %s: %w", uploadedPath, err)
	}

	rebuiltMembers, err := archive.Members(rebuiltPath)
	if err != nil {
		return false, fmt.Errorf("list members of %s: %w", rebuiltPath, err)
	}

	uploadedNames := memberNames(uploadedMembers, true)
	rebuiltNames := memberNames(rebuiltMembers, false)

	if stringsEqual(uploadedNames, rebuiltNames) {
		return true, nil
	}

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        uploadedNames,
		B:        rebuiltNames,
		FromFile: uploadedPath,
		ToFile:   rebuiltPath,
		Context:  3,
	})

	v.logger.Error("verifier.archive.member-mismatch", "uploaded", uploadedPath, "rebuilt", rebuiltPath, "diff", diff)

	return false, nil
}

func memberNames(members []archive.Member, skipSig bool) []string {
	var names []string

	for _, m := range members {
		if skipSig && strings.HasSuffix(m.Name, ".sig") {
			continue
		}

		names = append(names, m.Name)
	}

	sort.Strings(names)

	return names
}

func (v *Verifier) compareBytes(uploadedPath, rebuiltPath string) (bool, error) {
	a, err := os.ReadFile(uploadedPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", uploadedPath, err)
	}

	b, err := os.ReadFile(rebuiltPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rebuiltPath, err)
	}

	if bytes.Equal(a, b) {
		return true, nil
	}

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: uploadedPath,
		ToFile:   rebuiltPath,
		Context:  3,
	})

	v.logger.Error("verifier.byte.mismatch", "uploaded", uploadedPath, "rebuilt", rebuiltPath, "diff", diff)

	return false, nil
}

// captureDirTree walks root and records, for each directory (relative to
// root), the sorted list of regular filenames it contains directly.
func captureDirTree(root string) (dirTree, error) {
	tree := dirTree{}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}

		if rel == "." {
			rel = ""
		}

		tree[rel] = append(tree[rel], filepath.Base(path))

		return nil
	})
	if err != nil {
		return nil, err
	}

	for rel := range tree {
		sort.Strings(tree[rel])
	}

	return tree, nil
}

// normalizeTree rewrites trailing .bz2/.gz/.lzma extensions in every
// filename to .xz, the current canonical compression, so a known-stale
// upload still compares equal to a freshly rebuilt .xz artifact.
func normalizeTree(tree dirTree) dirTree {
	out := dirTree{}

	for rel, names := range tree {
		normalized := lo.Map(names, func(name string, _ int) string {
			return normalizeExtRe.ReplaceAllString(name, ".xz")
		})

		sort.Strings(normalized)
		out[rel] = normalized
	}

	return out
}

// findNormalized looks up name (a rebuilt filename) among names (raw,
// un-normalized upload filenames) and returns the original upload
// filename that normalizes to it, if any.
func findNormalized(names []string, name string) (string, bool) {
	for _, n := range names {
		if normalizeExtRe.ReplaceAllString(n, ".xz") == name {
			return n, true
		}
	}

	return "", false
}

func treesEqual(a, b dirTree) bool {
	if len(a) != len(b) {
		return false
	}

	for rel, names := range a {
		if !stringsEqual(names, b[rel]) {
			return false
		}
	}

	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func treeDiff(a, b dirTree) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        flattenTree(a),
		B:        flattenTree(b),
		FromFile: "uploaded",
		ToFile:   "rebuilt",
		Context:  3,
	})

	return diff
}

func flattenTree(tree dirTree) []string {
	var dirs []string

	for rel := range tree {
		dirs = append(dirs, rel)
	}

	sort.Strings(dirs)

	var lines []string

	for _, rel := range dirs {
		for _, name := range tree[rel] {
			lines = append(lines, filepath.Join(rel, name)+"\n")
		}
	}

	return lines
}
