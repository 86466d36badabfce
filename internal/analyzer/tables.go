package analyzer

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Tables holds the loadable input tables the dependency cascade
// consults: the pkg-config-to-package map, the runtime-to-devel-package
// map, and the small hard-coded per-package override table. The original
// keeps the first two as eval()'d Python literal dicts (pkgconfig-map,
// devel_package_map); this exposes each as a YAML file, per spec.md §9's
// note that they should be "a loadable input" rather than baked into
// source.
type Tables struct {
	PkgConfigMap    map[string][]string `yaml:"pkgconfig_map"`
	DevelPackageMap map[string][]string `yaml:"devel_package_map"`
	PerPackageDeps  map[string][]string `yaml:"per_package_deps"`
}

// CrossPackagePrefixes maps a cross-toolchain host triple to the package
// name prefix used for packages built for that target (spec.md §6); this
// table never changes at runtime, so it stays a Go literal rather than a
// loaded file, unlike PkgConfigMap/DevelPackageMap.
var CrossPackagePrefixes = map[string]string{
	"i686-w64-mingw32":   "mingw64-i686-",
	"x86_64-w64-mingw32": "mingw64-x86_64-",
	"i686-pc-cygwin":     "cygwin32-",
	"x86_64-pc-cygwin":   "cygwin64-",
}

// DefaultPerPackageDeps is the fixed table from analyze.py's
// per_package_deps, used as the fallback when no Tables file supplies an
// override for PerPackageDeps.
func DefaultPerPackageDeps() map[string][]string {
	return map[string][]string{
		"gcc":                    {"gcc-ada"},
		"git":                    {"bash-completion-devel"},
		"gobject-introspection":  {"flex"},
		"maxima":                 {"recode", "clisp"},
		"mingw64-i686-fftw3":     {"mingw64-i686-gcc-fortran"},
		"mingw64-x86_64-fftw3":   {"mingw64-x86_64-gcc-fortran"},
		"mutt":                   {"libxslt", "docbook-xsl"},
		"perl-Unicode-LineBreak": {"libcrypt-devel"},
	}
}

// LoadTables reads the pkg-config-map and devel-package-map YAML files
// from disk. A missing per-package-deps file falls back to
// DefaultPerPackageDeps.
func LoadTables(pkgConfigMapPath, develPackageMapPath, perPackageDepsPath string) (*Tables, error) {
	t := &Tables{PerPackageDeps: DefaultPerPackageDeps()}

	if err := loadYAMLInto(pkgConfigMapPath, &t.PkgConfigMap); err != nil {
		return nil, err
	}

	if err := loadYAMLInto(develPackageMapPath, &t.DevelPackageMap); err != nil {
		return nil, err
	}

	if perPackageDepsPath != "" {
		var overrides map[string][]string
		if err := loadYAMLInto(perPackageDepsPath, &overrides); err != nil {
			return nil, err
		}

		for k, v := range overrides {
			t.PerPackageDeps[k] = v
		}
	}

	return t, nil
}

func loadYAMLInto(path string, out any) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read table %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse table %s: %w", path, err)
	}

	return nil
}
