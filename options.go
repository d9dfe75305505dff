package shmbus

import "errors"

// publisherConfig holds per-publisher tuning
type publisherConfig struct {
	MaxSliceLen   int
	ChunkCapacity int
}

// PublisherOption configures a Publisher
type PublisherOption interface {
	apply(*publisherConfig)
}

// pubOpt wraps a function as a PublisherOption
type pubOpt func(*publisherConfig)

func (f pubOpt) apply(c *publisherConfig) {
	f(c)
}

// WithMaxSliceLen fixes the largest slice length loanable from this
// publisher. The pool's chunk size is derived from it at creation time;
// longer LoanSlice requests fail with ErrInvalidLength instead of growing
// the pool.
func WithMaxSliceLen(n int) PublisherOption {
	return pubOpt(func(c *publisherConfig) {
		c.MaxSliceLen = n
	})
}

// WithChunkCapacity sets the number of chunks in the publisher's pool.
// Once all chunks are loaned or in flight, further loans fail with
// ErrPoolExhausted until samples are released.
func WithChunkCapacity(n int) PublisherOption {
	return pubOpt(func(c *publisherConfig) {
		c.ChunkCapacity = n
	})
}

// nodeConfig holds node construction parameters
type nodeConfig struct {
	Name   string
	Config Config
	HasCfg bool
}

// NodeOption configures CreateNode
type NodeOption interface {
	apply(*nodeConfig)
}

// nodeOpt wraps a function as a NodeOption
type nodeOpt func(*nodeConfig)

func (f nodeOpt) apply(c *nodeConfig) {
	f(c)
}

// WithName sets the node's human-readable name. Names need not be unique;
// the node id is the unique identity.
func WithName(name string) NodeOption {
	return nodeOpt(func(c *nodeConfig) {
		c.Name = name
	})
}

// WithConfig creates the node under the given config root instead of the
// process-wide GlobalConfig. Nodes under different roots are fully isolated.
func WithConfig(cfg Config) NodeOption {
	return nodeOpt(func(c *nodeConfig) {
		c.Config = cfg
		c.HasCfg = true
	})
}

// Common errors
var (
	// ErrPoolExhausted means no free chunk was available. Recoverable:
	// release outstanding samples or retry later.
	ErrPoolExhausted = errors.New("chunk pool exhausted")

	// ErrInvalidLength means a slice loan exceeded the publisher's
	// configured max slice length.
	ErrInvalidLength = errors.New("slice length exceeds max slice length")

	// ErrSendFailed means the transport reported a fault on every
	// deliverable path. Zero connected subscribers is not a fault.
	ErrSendFailed = errors.New("send failed: transport fault")

	// ErrRegistrationFailed means the node's registry entry could not be
	// written. Fatal to node creation.
	ErrRegistrationFailed = errors.New("node registration failed")

	// ErrSampleConsumed means Send or Release was called on a sample that
	// was already sent or released.
	ErrSampleConsumed = errors.New("sample already sent or released")

	// ErrInvalidPayload means the payload type is not a fixed-layout type:
	// it (transitively) contains pointers, slices, maps, chans, funcs or
	// interfaces, which cannot cross a process boundary.
	ErrInvalidPayload = errors.New("payload type is not fixed-layout")

	// ErrNodeClosed means an operation was attempted on a closed node.
	ErrNodeClosed = errors.New("node is closed")
)
