// Package archive opens a tar file under any of carpetbag's four
// supported compressions and exposes its member list, the shared helper
// behind both the analyzer (L4, which must only read text, never
// execute archive contents) and the verifier (L6, which compares
// rebuilt archive members against uploaded ones). Python's tarfile.open
// auto-detects compression; archive/tar does not, so this dispatches on
// extension the way original_source/analyze.py and original_source/verify.py
// both rely on tarfile to do implicitly.
package archive

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Member is one regular file's archive metadata: its name and size.
// Contents are read separately with ReadFile.
type Member struct {
	Name string
	Size int64
}

// Open returns a tar.Reader positioned at the start of path's member
// stream, decompressing with whichever codec the file extension names,
// plus a closer that must be called once reading is done.
func Open(path string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %s: %w", path, err)
	}

	var (
		r   io.Reader = f
		cls           = []io.Closer{f}
	)

	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()

			return nil, nil, fmt.Errorf("open gzip stream %s: %w", path, err)
		}

		r = gz
		cls = append(cls, gz)
	case strings.HasSuffix(path, ".tar.bz2") || strings.HasSuffix(path, ".tbz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(path, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			_ = f.Close()

			return nil, nil, fmt.Errorf("open xz stream %s: %w", path, err)
		}

		r = xzr
	case strings.HasSuffix(path, ".tar.lzma"):
		// .tar.lzma is the legacy lzma_alone stream, not an xz container —
		// needs the lzma package's own reader, not xz.NewReader.
		lzr, err := lzma.NewReader(f)
		if err != nil {
			_ = f.Close()

			return nil, nil, fmt.Errorf("open lzma stream %s: %w", path, err)
		}

		r = lzr
	case strings.HasSuffix(path, ".tar"):
		// already plain
	default:
		_ = f.Close()

		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, path)
	}

	return tar.NewReader(r), multiCloser(cls), nil
}

// ErrUnsupportedCompression is returned for a file extension Open does
// not know how to decompress.
var ErrUnsupportedCompression = fmt.Errorf("archive: unsupported compression extension")

// Members reads every regular-file member's name and size from an
// archive without extracting contents (directories, links and other
// entry types are skipped), used by the analyzer for classification and the
// verifier for member-list comparison.
func Members(path string) ([]Member, error) {
	reader, closer, err := Open(path)
	if err != nil {
		return nil, err
	}

	defer closer.Close()

	var members []Member

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read archive member %s: %w", path, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		members = append(members, Member{Name: hdr.Name, Size: hdr.Size})
	}

	return members, nil
}

// ReadFile extracts a single named member's contents, used by the
// analyzer to read candidate recipe files without executing them.
func ReadFile(path, memberName string) ([]byte, error) {
	reader, closer, err := Open(path)
	if err != nil {
		return nil, err
	}

	defer closer.Close()

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read archive member %s: %w", path, err)
		}

		if hdr.Name == memberName {
			return io.ReadAll(reader)
		}
	}

	return nil, fmt.Errorf("%w: %s in %s", ErrMemberNotFound, memberName, path)
}

// ErrMemberNotFound is returned by ReadFile when the named member is
// absent from the archive.
var ErrMemberNotFound = fmt.Errorf("archive: member not found")

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error

	for i := len(m) - 1; i >= 0; i-- {
		if cerr := m[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
