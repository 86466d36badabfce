package archive_test

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/jturney/carpetbag/internal/archive"
	. "github.com/onsi/gomega"
)

func writeTestTar(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for member, content := range files {
		hdr := &tar.Header{Name: member, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}

		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	return path
}

// The blobs below are all genuine compressed archives of the same single
// member (pkg/pkg.cygport containing "NAME=pkg\n"), produced with real
// gzip/bzip2/xz encoders so the decode tests exercise the actual codecs
// Open dispatches to rather than a hand-rolled stand-in. compress/bzip2
// and the legacy lzma_alone format have no writer in this corpus, which
// is exactly why these are baked in rather than generated in-process.
const (
	gzFixtureB64 = `H4sICKRGbGoAA3BsYWluLnRhcgDt0qEOwjAQxvFqnqJPAHdtNxQCgYR3IBMVE226IXh7uskJCGJZlvx/5hN34rvkch9PuY/H7h1zKqNZg1RtCHNWyxRRNdo47yV4N+2pa/RsrKzSZuE1jM9irSkpfb3+13ynHtf77VIf4LB1EQAAAAAAAAAAAAAAAADAXz5P9WdXACgAAA==`

	bz2FixtureB64 = `QlpoOTFBWSZTWe+gFucAAH7/hMoQAGBAAf8CIgMgAGiI3iAAAIAIIAB0GijamjQA0Gg0aeoJKCAAAAAOvmTMahBC8BIsriGUxwE7EkDVs0d01w54KDAM23Ix4RDc8HNRaxA3aEIKg03iSyLUHIRjHj2zxqm41+VpEQH4u5IpwoSHfQC3OA==`

	xzFixtureB64 = `/Td6WFoAAATm1rRGAgAhARYAAAB0L+Wj4Cf/AHxdADgayRWh7Ux8DQzf8cvSIBGGeZTTh58DkqtDNRCr135dH776sbzAx4wwdP5USzdYKuKgTXQEhAZDnRrgqNFTWh8g0VtFo4bFCCN+55Gi5Uuk/xsTer4xn4hURM+T9a3lgDIFUvVDYF1HtH3JgZmUULu3ydEJ06d0p6ZXrgAAeHG+F4YdNLAAAZgBgFAAAMjx5Y6xxGf7AgAAAAAEWVo=`

	lzmaFixtureB64 = `XQAAgAD//////////wA4GskVoe1MfA0M3/HL0iARhnmU04efA5KrQzUQq9d+XR+++rG8wMeMMHT+VEs3WCrioE10BIQGQ50a4KjRU1ofINFbRaOGxQgjfueRouVLpP8bE3q+MZ+IVETPk/Wt5YAyBVL1Q2BdR7R9yYGZlFC7t8nRCdOndKfF/Zif//ejXUw=`
)

func writeFixture(t *testing.T, dir, name, b64 string) string {
	t.Helper()

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestMembersListsRegularFilesOnly(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeTestTar(t, dir, "pkg.tar", map[string]string{
		"pkg/pkg.cygport": "NAME=pkg\n",
		"pkg/README":      "hello\n",
	})

	members, err := archive.Members(path)
	g.Expect(err).NotTo(HaveOccurred())

	var names []string
	for _, m := range members {
		names = append(names, m.Name)
	}

	g.Expect(names).To(ConsistOf("pkg/pkg.cygport", "pkg/README"))
}

func TestReadFileExtractsNamedMember(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeTestTar(t, dir, "pkg.tar", map[string]string{
		"pkg/pkg.cygport": "NAME=pkg\nDEPEND=\"foo bar\"\n",
	})

	data, err := archive.ReadFile(path, "pkg/pkg.cygport")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(bytes.Contains(data, []byte("DEPEND"))).To(BeTrue())
}

func TestReadFileReturnsErrorForMissingMember(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeTestTar(t, dir, "pkg.tar", map[string]string{"pkg/pkg.cygport": "x"})

	_, err := archive.ReadFile(path, "pkg/missing")
	g.Expect(err).To(MatchError(archive.ErrMemberNotFound))
}

func TestMembersDecodesGzip(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeFixture(t, dir, "pkg.tar.gz", gzFixtureB64)

	members, err := archive.Members(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(members).To(HaveLen(1))
	g.Expect(members[0].Name).To(Equal("pkg/pkg.cygport"))

	data, err := archive.ReadFile(path, "pkg/pkg.cygport")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("NAME=pkg\n")))
}

func TestMembersDecodesBzip2(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeFixture(t, dir, "pkg.tar.bz2", bz2FixtureB64)

	members, err := archive.Members(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(members).To(HaveLen(1))
	g.Expect(members[0].Name).To(Equal("pkg/pkg.cygport"))

	data, err := archive.ReadFile(path, "pkg/pkg.cygport")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("NAME=pkg\n")))
}

func TestMembersDecodesXz(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeFixture(t, dir, "pkg.tar.xz", xzFixtureB64)

	members, err := archive.Members(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(members).To(HaveLen(1))
	g.Expect(members[0].Name).To(Equal("pkg/pkg.cygport"))

	data, err := archive.ReadFile(path, "pkg/pkg.cygport")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("NAME=pkg\n")))
}

func TestMembersDecodesLzma(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := writeFixture(t, dir, "pkg.tar.lzma", lzmaFixtureB64)

	members, err := archive.Members(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(members).To(HaveLen(1))
	g.Expect(members[0].Name).To(Equal("pkg/pkg.cygport"))

	data, err := archive.ReadFile(path, "pkg/pkg.cygport")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("NAME=pkg\n")))
}

func TestOpenRejectsUnsupportedExtension(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.zip")
	g.Expect(os.WriteFile(path, []byte("not an archive"), 0o644)).To(Succeed())

	_, err := archive.Members(path)
	g.Expect(err).To(MatchError(archive.ErrUnsupportedCompression))
}
