package builder

import "fmt"

// ArchConfig names the golden domain and in-guest bash path for one of
// the three architectures the builder supports.
type ArchConfig struct {
	GoldenDomain string
	BashPath     string
}

// DefaultArchTable is the fixed arch → {golden image, bash path} table
// spec.md §4.5 calls for. Cygwin64 and Cygwin32 goldens carry their own
// installed toolchains; noarch packages build under the 64-bit image.
var DefaultArchTable = map[string]ArchConfig{
	"x86_64": {GoldenDomain: "carpetbag-x86_64", BashPath: `C:\cygwin64\bin\bash.exe`},
	"x86":    {GoldenDomain: "carpetbag-x86", BashPath: `C:\cygwin\bin\bash.exe`},
	"noarch": {GoldenDomain: "carpetbag-x86_64", BashPath: `C:\cygwin64\bin\bash.exe`},
}

// ErrUnknownArch is returned when a job's arch isn't in the arch table.
var ErrUnknownArch = fmt.Errorf("builder: unknown arch")

func resolveArch(table map[string]ArchConfig, arch string) (ArchConfig, error) {
	cfg, ok := table[arch]
	if !ok {
		return ArchConfig{}, fmt.Errorf("%w: %s", ErrUnknownArch, arch)
	}

	return cfg, nil
}
