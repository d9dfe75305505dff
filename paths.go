package shmbus

import (
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// nodesDir is where registry entries live under a config root.
func (c Config) nodesDir() string {
	return filepath.Join(c.Root, "nodes")
}

// segmentsDir is where segment files live under a config root.
func (c Config) segmentsDir() string {
	return filepath.Join(c.Root, "segments")
}

// segmentName derives a per-publisher segment file name. The node id keeps
// segments attributable to their owner (dead-node cleanup globs on it); the
// hash folds the namespace prefix and publisher id into a fixed-width tail.
func (c Config) segmentName(nodeID, pubID uuid.UUID) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.Prefix)
	_, _ = h.Write(pubID[:])
	return fmt.Sprintf("%s-%016x.seg", nodeID, h.Sum64())
}

// segmentPath returns the full path for a publisher's segment file.
func (c Config) segmentPath(nodeID, pubID uuid.UUID) string {
	return filepath.Join(c.segmentsDir(), c.segmentName(nodeID, pubID))
}

// segmentPattern returns a glob matching every segment owned by a node.
func (c Config) segmentPattern(nodeID string) string {
	return filepath.Join(c.segmentsDir(), nodeID+"-*.seg")
}
