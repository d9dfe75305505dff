// Package registry is the filesystem-backed node directory. Every node
// created under a config root owns exactly one entry file here; other
// processes enumerate the directory to learn who exists and probe whether
// each owner still runs. There is no shared in-memory state: add is an
// atomic write+rename, remove is an unlink, and list is a directory scan,
// so arbitrarily many processes may use one directory concurrently.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sys/unix"
)

const (
	entryExt = ".toml"
	lockName = ".cleanup.lock"
)

// ConfigSnapshot records the config a node was created under, so listing
// processes can reconstruct it without access to the creator.
type ConfigSnapshot struct {
	Root          string `toml:"root"`
	Prefix        string `toml:"prefix"`
	MaxSliceLen   int    `toml:"max_slice_len"`
	ChunkCapacity int    `toml:"chunk_capacity"`
}

// Entry is one node's persisted record.
type Entry struct {
	ID        string         `toml:"id"`
	Name      string         `toml:"name"`
	Pid       int            `toml:"pid"`
	CreatedAt time.Time      `toml:"created_at"`
	Config    ConfigSnapshot `toml:"config"`
}

// State is one entry classified at read time. Entry is nil when the record
// on disk was unreadable; the ID from the filename is all that remains.
type State struct {
	ID    string
	Alive bool
	Entry *Entry
}

// Prober answers whether the process owning an entry still runs. It must
// not block.
type Prober interface {
	Alive(pid int) bool
}

// kernelProber asks the kernel via the null signal. EPERM still proves the
// process exists.
type kernelProber struct{}

func (kernelProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Option configures a Registry
type Option interface {
	apply(*Registry)
}

type funcOpt func(*Registry)

func (f funcOpt) apply(r *Registry) {
	f(r)
}

// WithProber replaces the kernel liveness probe.
func WithProber(p Prober) Option {
	return funcOpt(func(r *Registry) {
		r.prober = p
	})
}

// Registry reads and writes entries in one directory.
type Registry struct {
	dir    string
	prober Prober
}

// Open ensures the directory exists and returns a handle to it.
func Open(dir string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir %s: %w", dir, err)
	}
	r := &Registry{dir: dir, prober: kernelProber{}}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) entryPath(id string) string {
	return filepath.Join(r.dir, id+entryExt)
}

// Add persists an entry. The write goes to a temp file first and is
// published by rename, so a concurrent List never observes a torn record.
func (r *Registry) Add(e Entry) error {
	data, err := toml.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	tmp := filepath.Join(r.dir, fmt.Sprintf(".tmp-%s-%d", e.ID, time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}
	if err := os.Rename(tmp, r.entryPath(e.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish entry %s: %w", e.ID, err)
	}
	return nil
}

// Remove deletes an entry. Removing an entry that is already gone is not an
// error: crash cleanup elsewhere may have won the race.
func (r *Registry) Remove(id string) error {
	if err := os.Remove(r.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	return nil
}

// List enumerates every entry present right now and classifies each by
// probing its owner. Nothing is cached between calls.
func (r *Registry) List() ([]State, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir %s: %w", r.dir, err)
	}

	var states []State
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entryExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, entryExt)

		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed between ReadDir and read
			}
			states = append(states, State{ID: id})
			continue
		}
		var e Entry
		if err := toml.Unmarshal(data, &e); err != nil {
			// A torn or foreign file. Its owner cannot be probed, so it
			// classifies as dead and stays reclaimable.
			states = append(states, State{ID: id})
			continue
		}
		states = append(states, State{ID: id, Alive: r.prober.Alive(e.Pid), Entry: &e})
	}
	return states, nil
}

// RemoveDead deletes every entry whose owner no longer runs and returns
// what was removed. A file lock serializes concurrent reclaimers across
// processes; the losers see an already-clean directory.
func (r *Registry) RemoveDead() ([]State, error) {
	lock := flock.New(filepath.Join(r.dir, lockName))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire cleanup lock: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	states, err := r.List()
	if err != nil {
		return nil, err
	}
	var removed []State
	for _, st := range states {
		if st.Alive {
			continue
		}
		if err := r.Remove(st.ID); err != nil {
			return removed, err
		}
		removed = append(removed, st)
	}
	return removed, nil
}
