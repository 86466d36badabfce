// Package dirqueue implements a durable, filesystem-backed work queue:
// iterate unclaimed entries, try-lock (fails if another worker holds it),
// read payload, remove, and purge stale locks/orphans. It is a Go
// reworking of Directory::Queue::Simple as used by
// original_source/queue.py (dirq.QueueSimple) — no library in the
// example corpus wraps that on-disk format, so the layout here is
// hand-rolled the way orchestra/qemu/qemu.go hand-rolls its own
// temp/volume directory layout.
package dirqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	lockSuffix = ".lock"
	tempPrefix = "temp."

	// elementNameSize is the length of the random suffix appended to each
	// queued payload's filename, after the sortable timestamp prefix.
	elementNameSize = 21

	// timestampDigits is the width of the zero-padded nanosecond Unix
	// timestamp prefixed to each element name, so lexicographic sort
	// order matches admission order.
	timestampDigits = 20
)

// ErrLocked is returned by Lock when another worker already holds the
// entry.
var ErrLocked = errors.New("dirqueue: entry already locked")

// Queue is a single named durable queue rooted at a directory.
type Queue struct {
	root string
}

// Open returns a Queue rooted at dir, creating the directory if needed.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
	}

	return &Queue{root: dir}, nil
}

// Add durably enqueues payload, returning the new entry's name. The
// payload is written to a temp file first and renamed into place so a
// concurrent List never observes a partially written element. The name
// is prefixed with the current time so List's lexicographic scan order
// approximates admission order, the way Directory::Queue::Simple's own
// time-ordered element names do.
func (q *Queue) Add(payload string) (string, error) {
	suffix, err := gonanoid.New(elementNameSize)
	if err != nil {
		return "", fmt.Errorf("generate element name: %w", err)
	}

	name := fmt.Sprintf("%0*d-%s", timestampDigits, time.Now().UnixNano(), suffix)

	finalPath := filepath.Join(q.root, name)
	tempPath := filepath.Join(q.root, tempPrefix+name)

	if err := os.WriteFile(tempPath, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write queue element: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)

		return "", fmt.Errorf("publish queue element: %w", err)
	}

	return name, nil
}

// List returns the names of every unclaimed entry currently in the
// queue, in scan order (best-effort FIFO — see spec.md §4.3).
func (q *Queue) List() ([]string, error) {
	entries, err := os.ReadDir(q.root)
	if err != nil {
		return nil, fmt.Errorf("list queue dir %s: %w", q.root, err)
	}

	var names []string

	for _, e := range entries {
		name := e.Name()

		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || strings.HasSuffix(name, lockSuffix) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// Lock attempts to claim name for exclusive processing. It fails with
// ErrLocked if another worker already holds the lock. The lock is a
// sibling file created with O_EXCL, so the claim is atomic even across
// processes sharing the same queue directory.
func (q *Queue) Lock(name string) error {
	lockPath := filepath.Join(q.root, name+lockSuffix)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}

		return fmt.Errorf("lock %s: %w", name, err)
	}

	return f.Close()
}

// Get reads a locked entry's payload.
func (q *Queue) Get(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(q.root, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}

	return string(data), nil
}

// Remove deletes a locked entry and its lock file.
func (q *Queue) Remove(name string) error {
	if err := os.Remove(filepath.Join(q.root, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	if err := os.Remove(filepath.Join(q.root, name+lockSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock for %s: %w", name, err)
	}

	return nil
}

// Purge reclaims stale state: lock files older than lockMaxAge (held by a
// worker that crashed before Remove) and orphaned temp files older than
// tempMaxAge (a crash between Add's WriteFile and Rename). Both startup
// and each main-loop iteration call this, mirroring
// original_source/queue.py's dirq.purge(1, 1) at startup and bare
// dirq.purge() per iteration.
func (q *Queue) Purge(tempMaxAge, lockMaxAge time.Duration) error {
	entries, err := os.ReadDir(q.root)
	if err != nil {
		return fmt.Errorf("list queue dir %s: %w", q.root, err)
	}

	now := time.Now()

	for _, e := range entries {
		name := e.Name()

		var maxAge time.Duration

		switch {
		case strings.HasPrefix(name, tempPrefix):
			maxAge = tempMaxAge
		case strings.HasSuffix(name, lockSuffix):
			maxAge = lockMaxAge
		default:
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > maxAge {
			_ = os.Remove(filepath.Join(q.root, name))
		}
	}

	return nil
}
