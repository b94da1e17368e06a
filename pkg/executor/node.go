// Package executor implements the per-workflow supervisor: it decomposes the
// service template into a node tree, drives every node through its state
// machine, supervises containers, reserves fixtures and volumes, and reports
// progress and terminal results.
package executor

import (
	"context"

	"github.com/axialops/axplatform/pkg/models"
)

// NodeState is the in-memory lifecycle of one tree node.
type NodeState string

const (
	NodeFresh       NodeState = "FRESH"
	NodeExpecting   NodeState = "EXPECTING"
	NodeLaunched    NodeState = "LAUNCHED"
	NodeInterrupted NodeState = "INTERRUPTED"
	NodeSucceed     NodeState = "SUCCEED"
	NodeFailed      NodeState = "FAILED"
)

// Terminal reports whether the state can never change again.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeInterrupted, NodeSucceed, NodeFailed:
		return true
	default:
		return false
	}
}

// Failure reason tags surfaced in result details.
const (
	ReasonSigTerm              = "SIG_TERM"
	ReasonCannotFindReturn     = "CANNOT_FIND_RETURN"
	ReasonLoadArtifact         = "LOAD_ARTIFACT"
	ReasonSaveArtifact         = "SAVE_ARTIFACT"
	ReasonNotAllowRetry        = "NOT_ALLOW_RETRY"
	ReasonInsufficientMemory   = "INSUFFICIENT_MEMORY"
	ReasonNonZeroReturn        = "NONE_ZERO_RETURN"
	ReasonLostContainer        = "LOST_CONTAINER"
	ReasonCannotPullImage      = "CANNOT_PULL_IMAGE"
	ReasonFixtureTerminated    = "FIXTURE_TERMINATED_BY_EXECUTOR"
	ReasonDeploymentTerminated = "DEPLOYMENT_TERMINATED_BY_REQUEST"
)

// Result is one entry of the executor's serial result stream.
type Result struct {
	NodeID string
	Code   models.NodeResultCode
	Detail map[string]any
}

// Node is one vertex of the workflow tree. Start and ProcessChildResult run
// only on the controller goroutine; leaves spawn supervision goroutines that
// communicate back by enqueueing results.
type Node interface {
	Base() *NodeBase
	// Start moves FRESH -> EXPECTING and begins the node's work. Leaves
	// spawn their supervision goroutine unless the executor is replaying.
	Start(ctx context.Context)
	// ProcessResult applies one sn-ordered result addressed to this node.
	ProcessResult(ctx context.Context, r *Result)
	// ProcessChildResult reacts to a child reaching a reportable state.
	ProcessChildResult(ctx context.Context, child Node)
	// MaxResource is the peak resource the node can still hold; zero once
	// terminal.
	MaxResource() models.Resource
}

// NodeBase carries the fields shared by every node kind.
type NodeBase struct {
	ID       string
	Name     string
	Path     string
	Parent   Node
	Children []Node
	// Fixtures are conceptually pre-steps: they must all be LAUNCHED
	// before the first step starts, and are terminated after the last
	// step ends.
	Fixtures []Node

	IgnoreError bool
	AutoRetry   bool
	AlwaysRun   bool
	Skipped     bool

	// CleanupMode is set by the parent before Start when the enclosing
	// node is already winding down; it decides which children still run.
	CleanupMode NodeState

	State      NodeState
	LastResult *Result
	Resource   models.Resource
	LaunchedAt int64

	exec *Executor
}

func (b *NodeBase) Base() *NodeBase { return b }

// setState records a transition and remembers the result that caused it.
func (b *NodeBase) setState(state NodeState, r *Result) {
	b.State = state
	if r != nil {
		b.LastResult = r
	}

	if state == NodeLaunched && b.LaunchedAt == 0 {
		b.LaunchedAt = models.NowMilli()
	}
}

// terminalCode maps the node state to the persisted result code.
func (b *NodeBase) terminalCode() models.NodeResultCode {
	switch b.State {
	case NodeSucceed:
		return models.ResultSucceed
	case NodeInterrupted:
		return models.ResultInterrupted
	default:
		return models.ResultFailed
	}
}

// effectiveTerminal treats a skipped node as done.
func effectiveTerminal(n Node) bool {
	b := n.Base()

	return b.State.Terminal() || b.Skipped
}
