package shmbus

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shmbus/shmbus/registry"
)

// Node is this process's registered identity under a config root. Creating
// one writes a registry entry; Close removes it. A process may hold any
// number of nodes, and several nodes may share a name, but ids never
// collide among concurrently alive nodes under one root.
type Node struct {
	name string
	id   uuid.UUID
	cfg  Config
	reg  *registry.Registry

	mu     sync.Mutex
	owned  []interface{ Close() }
	closed atomic.Bool
}

// CreateNode registers a new node. Without WithConfig it registers under the
// process-wide GlobalConfig root.
func CreateNode(opts ...NodeOption) (*Node, error) {
	var nc nodeConfig
	for _, opt := range opts {
		opt.apply(&nc)
	}
	cfg := nc.Config
	if !nc.HasCfg {
		cfg = GlobalConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	reg, err := registry.Open(cfg.nodesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	id := uuid.New()
	entry := registry.Entry{
		ID:        id.String(),
		Name:      nc.Name,
		Pid:       os.Getpid(),
		CreatedAt: time.Now().UTC(),
		Config:    snapshotConfig(cfg),
	}
	if err := reg.Add(entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	return &Node{name: nc.Name, id: id, cfg: cfg, reg: reg}, nil
}

// Name returns the node's human-readable, possibly non-unique name.
func (n *Node) Name() string {
	return n.name
}

// ID returns the node's unique 128-bit id.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// Config returns the config the node was created under.
func (n *Node) Config() Config {
	return n.cfg
}

// attach records a resource to tear down on Close.
func (n *Node) attach(c interface{ Close() }) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return ErrNodeClosed
	}
	n.owned = append(n.owned, c)
	return nil
}

// Close deregisters the node and closes everything created under it.
// Deregistration is best effort: if it fails the process's eventual death
// makes the stale entry classify as dead anyway, which is the same
// externally observable outcome. Idempotent.
func (n *Node) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}

	n.mu.Lock()
	owned := n.owned
	n.owned = nil
	n.mu.Unlock()
	for _, c := range owned {
		c.Close()
	}

	if err := n.reg.Remove(n.id.String()); err != nil {
		log.Warn("node deregistration failed, entry will classify as dead",
			"node", n.id, "error", err)
	}
}

// NodeStatus classifies a registry entry at list time.
type NodeStatus int

const (
	// NodeAlive means the owning process still runs.
	NodeAlive NodeStatus = iota
	// NodeDead means the owner terminated without deregistering; the entry
	// and its resources are reclaimable.
	NodeDead
)

func (s NodeStatus) String() string {
	switch s {
	case NodeAlive:
		return "alive"
	case NodeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// NodeDetails are the recoverable facts about a listed node.
type NodeDetails struct {
	Name   string
	ID     uuid.UUID
	Pid    int
	Config Config
}

// NodeState is one listed node. Details is nil for dead entries whose
// record was unreadable; the id always survives.
type NodeState struct {
	ID      uuid.UUID
	Status  NodeStatus
	Details *NodeDetails
}

// ListNodes enumerates every node registered under cfg's root, classifying
// each as alive or dead by probing its owning process. The result reflects
// exactly the entries present at call time.
func ListNodes(cfg Config) ([]NodeState, error) {
	reg, err := registry.Open(cfg.nodesDir())
	if err != nil {
		return nil, err
	}
	states, err := reg.List()
	if err != nil {
		return nil, err
	}

	nodes := make([]NodeState, 0, len(states))
	for _, st := range states {
		id, err := uuid.Parse(st.ID)
		if err != nil {
			// Not one of ours; a foreign file that happened to match the
			// entry suffix.
			continue
		}
		ns := NodeState{ID: id, Status: NodeDead}
		if st.Alive {
			ns.Status = NodeAlive
		}
		if st.Entry != nil {
			ns.Details = &NodeDetails{
				Name:   st.Entry.Name,
				ID:     id,
				Pid:    st.Entry.Pid,
				Config: configFromSnapshot(st.Entry.Config),
			}
		}
		nodes = append(nodes, ns)
	}
	return nodes, nil
}

func snapshotConfig(cfg Config) registry.ConfigSnapshot {
	return registry.ConfigSnapshot{
		Root:          cfg.Root,
		Prefix:        cfg.Prefix,
		MaxSliceLen:   cfg.MaxSliceLen,
		ChunkCapacity: cfg.ChunkCapacity,
	}
}

func configFromSnapshot(s registry.ConfigSnapshot) Config {
	return Config{
		Root:          s.Root,
		Prefix:        s.Prefix,
		MaxSliceLen:   s.MaxSliceLen,
		ChunkCapacity: s.ChunkCapacity,
	}
}
