package shmbus

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/shmbus/shmbus/registry"
)

// CleanupDeadNodes removes the registry entries of crashed nodes under cfg's
// root and unlinks the segment files they left behind. Returns the ids of
// the reclaimed nodes. Safe to call from any process at any time; concurrent
// reclaimers are serialized by a file lock and the losers find nothing left
// to do.
func CleanupDeadNodes(cfg Config) ([]string, error) {
	reg, err := registry.Open(cfg.nodesDir())
	if err != nil {
		return nil, err
	}
	removed, err := reg.RemoveDead()
	if err != nil {
		return nil, err
	}

	var ids []string
	var freed int64
	for _, st := range removed {
		ids = append(ids, st.ID)
		freed += reclaimSegments(cfg, st.ID)
	}
	if len(ids) > 0 {
		log.Info("reclaimed dead nodes", "root", cfg.Root, "count", len(ids), "bytes", freed)
	}
	return ids, nil
}

// SegmentUsage reports the total mapped size of every segment file a node
// has under cfg's root. The files are mapped rather than stat'ed, so the
// result is the page-rounded size the pool actually pins.
func SegmentUsage(cfg Config, nodeID uuid.UUID) int64 {
	matches, err := filepath.Glob(cfg.segmentPattern(nodeID.String()))
	if err != nil {
		return 0
	}
	var total int64
	for _, path := range matches {
		r, err := openRegion(path)
		if err != nil {
			continue
		}
		total += r.size()
		r.close()
	}
	return total
}

// reclaimSegments unlinks every segment file a node left behind and returns
// the mapped bytes given back. The mappings of processes that still hold the
// memory stay valid; the unlink only frees the name and, eventually, the
// pages.
func reclaimSegments(cfg Config, nodeID string) int64 {
	matches, err := filepath.Glob(cfg.segmentPattern(nodeID))
	if err != nil {
		return 0
	}
	var freed int64
	for _, path := range matches {
		if r, err := openRegion(path); err == nil {
			freed += r.size()
			r.close()
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("removing stale segment failed", "path", path, "error", err)
		}
	}
	return freed
}
