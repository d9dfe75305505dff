package shmbus

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

func roundToPage(size int64) int64 {
	return (size + pageSize - 1) & ^int64(pageSize-1)
}

// region is a file-backed MAP_SHARED mapping living under the config root.
// Any process that opens the same file sees the same bytes; a chunk offset is
// meaningful only relative to the region that issued it.
type region struct {
	path  string
	data  []byte
	owner bool
}

// createRegion creates the backing file (exclusive) and maps it writable,
// rounded up to the page boundary. The pages are faulted in up front so the
// loan path never takes a page fault.
func createRegion(path string, size int64) (*region, error) {
	sz := roundToPage(size)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create region %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, sz); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, fmt.Errorf("size region %s to %d: %w", path, sz, err)
	}
	data, err := unix.Mmap(fd, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	_ = unix.Close(fd)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("map region %s: %w", path, err)
	}

	// PRE-WARM: force physical commitment of every page.
	for i := 0; i < len(data); i += pageSize {
		data[i] = 0
	}

	return &region{path: path, data: data, owner: true}, nil
}

// openRegion maps an existing region created by another process.
func openRegion(path string) (*region, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("stat region %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	_ = unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("map region %s: %w", path, err)
	}
	return &region{path: path, data: data}, nil
}

func (r *region) bytes() []byte {
	return r.data
}

func (r *region) size() int64 {
	return int64(len(r.data))
}

// close unmaps the region. The creating side also unlinks the backing file.
// Failures here are logged, never propagated: by the time a region is torn
// down there is no caller that could act on the error.
func (r *region) close() {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			log.Warn("munmap failed", "path", r.path, "error", err)
		}
		r.data = nil
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			log.Warn("removing region file failed", "path", r.path, "error", err)
		}
	}
}
