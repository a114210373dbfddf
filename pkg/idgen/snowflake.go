package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	sequenceBits   = 12
	machineBits    = 5
	datacenterBits = 5

	MaxMachineID    = -1 ^ (-1 << machineBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterBits)

	machineShift    = sequenceBits
	datacenterShift = sequenceBits + machineBits
	timestampShift  = sequenceBits + machineBits + datacenterBits
)

// Epoch is 2023-01-01T00:00:00Z in milliseconds.
const Epoch int64 = 1672531200000

var (
	// ErrClockMovedBackwards is returned instead of risking a duplicate id.
	ErrClockMovedBackwards = errors.New("idgen: clock moved backwards")
	// ErrClockBeforeEpoch means the local clock reads earlier than Epoch.
	ErrClockBeforeEpoch = errors.New("idgen: clock is before epoch")
)

func init() {
	// datacenter and machine share the 10 node bits, datacenter in the high half
	snowflake.Epoch = Epoch
	snowflake.NodeBits = datacenterBits + machineBits
	snowflake.StepBits = sequenceBits
}

// Generator allocates time-ordered 63-bit ids. Each process must be configured with
// a distinct (datacenter, machine) pair for ids to be unique across nodes.
type Generator struct {
	node *snowflake.Node

	mu         sync.Mutex
	lastMillis int64
	now        func() time.Time
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock watched for regressions.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New builds a generator for the given node identity.
func New(datacenterID, machineID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("idgen: datacenter id must be within [0, %d]", MaxDatacenterID)
	}
	if machineID < 0 || machineID > MaxMachineID {
		return nil, fmt.Errorf("idgen: machine id must be within [0, %d]", MaxMachineID)
	}
	node, err := snowflake.NewNode(datacenterID<<machineBits | machineID)
	if err != nil {
		return nil, fmt.Errorf("idgen: %w", err)
	}
	g := &Generator{
		node:       node,
		lastMillis: -1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NextID returns the next id or an error when the clock cannot be trusted.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli()
	if millis < g.lastMillis {
		return 0, fmt.Errorf("%w: by %dms", ErrClockMovedBackwards, g.lastMillis-millis)
	}
	if millis < Epoch {
		return 0, ErrClockBeforeEpoch
	}
	g.lastMillis = millis
	return g.node.Generate().Int64(), nil
}
