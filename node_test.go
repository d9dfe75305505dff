package shmbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shmbus/shmbus/registry"
)

// details is the (name, id, config) triple a listing must reproduce.
type details struct {
	name string
	id   uuid.UUID
	cfg  Config
}

func detailsOf(n *Node) details {
	return details{name: n.Name(), id: n.ID(), cfg: n.Config()}
}

// requireListed asserts ListNodes(cfg) returns exactly the given set.
func requireListed(t *testing.T, cfg Config, want []details) {
	t.Helper()
	states, err := ListNodes(cfg)
	require.NoError(t, err)
	require.Len(t, states, len(want))

	byID := map[uuid.UUID]details{}
	for _, d := range want {
		byID[d.id] = d
	}
	for _, st := range states {
		require.Equal(t, NodeAlive, st.Status)
		require.NotNil(t, st.Details)
		d, ok := byID[st.ID]
		require.True(t, ok, "unexpected node %s in listing", st.ID)
		require.Equal(t, d.name, st.Details.Name)
		require.Equal(t, d.cfg, st.Details.Config)
	}
}

func TestNode_CreateWithoutName(t *testing.T) {
	node, err := CreateNode(WithConfig(testConfig(t)))
	require.NoError(t, err)
	defer node.Close()

	require.Equal(t, "", node.Name())
}

func TestNode_CreateWithName(t *testing.T) {
	node, err := CreateNode(WithConfig(testConfig(t)), WithName("photons taste like chicken"))
	require.NoError(t, err)
	defer node.Close()

	require.Equal(t, "photons taste like chicken", node.Name())
}

func TestNode_SameNameManyTimes(t *testing.T) {
	cfg := testConfig(t)
	const numNodes = 16

	var nodes []*Node
	for i := 0; i < numNodes; i++ {
		node, err := CreateNode(WithConfig(cfg), WithName("shared"))
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		require.Equal(t, "shared", node.Name())
		node.Close()
	}
}

func TestNode_IDsAreUnique(t *testing.T) {
	cfg := testConfig(t)
	const numNodes = 16

	seen := map[uuid.UUID]bool{}
	for i := 0; i < numNodes; i++ {
		node, err := CreateNode(WithConfig(cfg))
		require.NoError(t, err)
		defer node.Close()
		require.False(t, seen[node.ID()], "duplicate id %s", node.ID())
		seen[node.ID()] = true
	}
}

func TestNode_ListMatchesCreatedSet(t *testing.T) {
	cfg := testConfig(t)
	const numNodes = 16

	var want []details
	for i := 0; i < numNodes; i++ {
		node, err := CreateNode(WithConfig(cfg), WithName("give me a bit"))
		require.NoError(t, err)
		defer node.Close()
		want = append(want, detailsOf(node))
	}
	requireListed(t, cfg, want)
}

func TestNode_CloseShrinksListing(t *testing.T) {
	cfg := testConfig(t)
	const numNodes = 8

	var nodes []*Node
	var want []details
	for i := 0; i < numNodes; i++ {
		node, err := CreateNode(WithConfig(cfg))
		require.NoError(t, err)
		nodes = append(nodes, node)
		want = append(want, detailsOf(node))
	}

	for len(nodes) > 0 {
		nodes[len(nodes)-1].Close()
		nodes = nodes[:len(nodes)-1]
		want = want[:len(want)-1]
		requireListed(t, cfg, want)
	}
}

func TestNode_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	node, err := CreateNode(WithConfig(cfg))
	require.NoError(t, err)

	node.Close()
	node.Close()
	requireListed(t, cfg, nil)
}

func TestNode_DisjointRootsAreIsolated(t *testing.T) {
	cfgA := testConfig(t)
	cfgB := testConfig(t)

	var wantA, wantB []details
	for i := 0; i < 4; i++ {
		a, err := CreateNode(WithConfig(cfgA), WithName("a"))
		require.NoError(t, err)
		defer a.Close()
		b, err := CreateNode(WithConfig(cfgB), WithName("b"))
		require.NoError(t, err)
		defer b.Close()
		wantA = append(wantA, detailsOf(a))
		wantB = append(wantB, detailsOf(b))
	}

	requireListed(t, cfgA, wantA)
	requireListed(t, cfgB, wantB)
}

func TestNode_GlobalConfigIsDefault(t *testing.T) {
	prev := GlobalConfig()
	t.Cleanup(func() { SetGlobalConfig(prev) })

	cfg := testConfig(t)
	SetGlobalConfig(cfg)

	node, err := CreateNode()
	require.NoError(t, err)
	defer node.Close()

	require.Equal(t, cfg, node.Config())
	requireListed(t, cfg, []details{detailsOf(node)})
}

func TestNode_RegistrationFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	// A file where the registry directory should be makes creation fail.
	blocked := filepath.Join(dir, "nodes")
	require.NoError(t, os.WriteFile(blocked, []byte("in the way"), 0o644))

	cfg := Config{Root: dir, Prefix: "test", MaxSliceLen: 1, ChunkCapacity: 4}
	_, err := CreateNode(WithConfig(cfg))
	require.ErrorIs(t, err, ErrRegistrationFailed)
}

func TestNode_CrashedNodeListsAsDead(t *testing.T) {
	cfg := testConfig(t)

	live, err := CreateNode(WithConfig(cfg), WithName("survivor"))
	require.NoError(t, err)
	defer live.Close()

	// Simulate a crashed process: a registry entry whose pid can no longer
	// exist.
	reg, err := registry.Open(cfg.nodesDir())
	require.NoError(t, err)
	crashedID := uuid.New()
	require.NoError(t, reg.Add(registry.Entry{
		ID:        crashedID.String(),
		Name:      "crashed",
		Pid:       1 << 30,
		CreatedAt: time.Now().UTC(),
	}))

	states, err := ListNodes(cfg)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		switch st.ID {
		case live.ID():
			require.Equal(t, NodeAlive, st.Status)
		case crashedID:
			require.Equal(t, NodeDead, st.Status)
			require.NotNil(t, st.Details)
			require.Equal(t, "crashed", st.Details.Name)
		default:
			t.Fatalf("unexpected node %s", st.ID)
		}
	}
}

func TestCleanupDeadNodes_ReclaimsEntriesAndSegments(t *testing.T) {
	cfg := testConfig(t)

	live, err := CreateNode(WithConfig(cfg), WithName("survivor"))
	require.NoError(t, err)
	defer live.Close()

	reg, err := registry.Open(cfg.nodesDir())
	require.NoError(t, err)
	crashedID := uuid.New()
	require.NoError(t, reg.Add(registry.Entry{
		ID:        crashedID.String(),
		Name:      "crashed",
		Pid:       1 << 30,
		CreatedAt: time.Now().UTC(),
	}))

	// A segment file the crashed node left behind.
	require.NoError(t, os.MkdirAll(cfg.segmentsDir(), 0o755))
	stale := filepath.Join(cfg.segmentsDir(), crashedID.String()+"-deadbeef00000000.seg")
	require.NoError(t, os.WriteFile(stale, make([]byte, pageSize), 0o600))

	removed, err := CleanupDeadNodes(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{crashedID.String()}, removed)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	requireListed(t, cfg, []details{detailsOf(live)})

	// Nothing left for a second reclaimer.
	removed, err = CleanupDeadNodes(cfg)
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestSegmentUsage_ReportsMappedBytes(t *testing.T) {
	cfg := testConfig(t)
	node, err := CreateNode(WithConfig(cfg))
	require.NoError(t, err)
	defer node.Close()

	require.Zero(t, SegmentUsage(cfg, node.ID()))

	pub, err := NewPublisher[uint64](node)
	require.NoError(t, err)
	defer pub.Close()

	used := SegmentUsage(cfg, node.ID())
	require.Positive(t, used)
	require.Zero(t, used%pageSize)

	// Another node under the same root contributes nothing.
	require.Zero(t, SegmentUsage(cfg, uuid.New()))
}

func TestNode_ClosePublishersWithNode(t *testing.T) {
	cfg := testConfig(t)
	node, err := CreateNode(WithConfig(cfg))
	require.NoError(t, err)

	pub, err := NewPublisher[uint64](node)
	require.NoError(t, err)
	path := cfg.segmentPath(node.ID(), pub.ID())

	node.Close()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "node close must tear down its publishers")
}
