// Package job defines the data model shared by the queue, analyzer,
// builder, verifier, and store: the Job record and the PackageKind
// produced by analysis.
package job

import "time"

// Status is the lifecycle state of a Job row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusException  Status = "exception"
)

// Job is a single build attempt. Created when a queue entry is admitted;
// mutated by the dispatcher and builder; never deleted. ID is monotonic
// and survives restarts.
type Job struct {
	ID           int64      `db:"id"`
	Srcpkg       string     `db:"srcpkg"`
	Status       Status     `db:"status"`
	LogPath      string     `db:"log"`
	BuildLogPath string     `db:"buildlog"`
	Built        *bool      `db:"built"`
	Valid        *bool      `db:"valid"`
	Start        *time.Time `db:"start_timestamp"`
	End          *time.Time `db:"end_timestamp"`
}

// Kind identifies which recipe format drove the analysis of a source
// package.
type Kind string

const (
	KindCygportWithDepends Kind = "cygport-with-depends"
	KindCygportGuessed     Kind = "cygport-guessed-depends"
	KindCygbuild           Kind = "cygbuild"
	KindGBS                Kind = "g-b-s"
	KindNone               Kind = ""
)

// PackageKind is the result of analyzing a source archive. A non-empty
// Kind always carries a non-empty Script name (spec invariant).
type PackageKind struct {
	Kind    Kind
	Script  string
	Depends string // sorted, comma-joined, deduplicated
}

// Failed reports whether analysis could not classify the archive.
func (p PackageKind) Failed() bool {
	return p.Kind == KindNone
}

func boolPtr(b bool) *bool { return &b }

// BoolPtr is exported for callers outside this package constructing Jobs.
func BoolPtr(b bool) *bool { return boolPtr(b) }
