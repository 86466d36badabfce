package hypervisor

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestCheckBaseImageReadOnlyRefusesWritableImage(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "base.qcow2")
	g.Expect(os.WriteFile(path, []byte("fake qcow2"), 0o644)).To(Succeed())

	err := checkBaseImageReadOnly(path)
	g.Expect(err).To(MatchError(ErrBaseImageWritable))
}

func TestCheckBaseImageReadOnlyAcceptsReadOnlyImage(t *testing.T) {
	t.Parallel()

	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "base.qcow2")
	g.Expect(os.WriteFile(path, []byte("fake qcow2"), 0o444)).To(Succeed())

	g.Expect(checkBaseImageReadOnly(path)).To(Succeed())
}
