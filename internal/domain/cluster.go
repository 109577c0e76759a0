package domain

import "context"

// LeaderElectionManager elects one node for cluster-wide housekeeping.
type LeaderElectionManager interface {
	// Campaign blocks until this node leads. The returned channel is closed
	// when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}

// Membership tracks which nodes are alive.
type Membership interface {
	IsAlive(node Node) bool
	Nodes() []Node
}
