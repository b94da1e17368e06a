package executor

import (
	"context"

	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
)

// terminable is implemented by nodes that hold something (a fixture, a
// deployment, a long-running container) that must be actively torn down.
type terminable interface {
	Terminate(ctx context.Context)
}

// Sequential is a workflow-type template node: fixtures launch first, steps
// run strictly left to right, fixtures are torn down at the end.
type Sequential struct {
	NodeBase

	// cleanup, once set, records how the node will end: children that are
	// not always_run are skipped instead of started.
	cleanup NodeState

	fixtureIdx  int
	stepIdx     int
	terminating bool
}

func (s *Sequential) Start(ctx context.Context) {
	s.setState(NodeExpecting, nil)
	s.exec.publishNode(ctx, s, events.NodeWaiting, nil)

	if s.CleanupMode != "" {
		s.cleanup = s.CleanupMode
	}

	s.advance(ctx)
}

func (s *Sequential) ProcessResult(ctx context.Context, r *Result) {
	// sequential nodes produce no results of their own
}

func (s *Sequential) ProcessChildResult(ctx context.Context, child Node) {
	s.advance(ctx)
}

// advance is the whole sequential algorithm; it is re-entered on every child
// update and is idempotent between updates.
func (s *Sequential) advance(ctx context.Context) {
	if s.State.Terminal() {
		return
	}

	if !s.advanceFixtureLaunch(ctx) {
		return
	}

	if !s.advanceSteps(ctx) {
		return
	}

	if !s.teardownFixtures(ctx) {
		return
	}

	s.finish(ctx)
}

// advanceFixtureLaunch launches fixture rows in order and reports whether the
// launch phase is over. A fixture going terminal before teardown is a failure
// and flips the node into cleanup mode.
func (s *Sequential) advanceFixtureLaunch(ctx context.Context) bool {
	for _, f := range s.Fixtures {
		b := f.Base()
		if !s.terminating && b.State.Terminal() && s.cleanup == "" {
			s.cleanup = cleanupFor(b.State)
		}
	}

	for s.fixtureIdx < len(s.Fixtures) {
		f := s.Fixtures[s.fixtureIdx]
		b := f.Base()

		switch {
		case b.State == NodeLaunched || b.State.Terminal() || b.Skipped:
			s.fixtureIdx++

		case b.State == NodeFresh:
			if s.cleanup != "" {
				b.Skipped = true
				s.fixtureIdx++

				continue
			}

			f.Start(ctx)

			if f.Base().State == NodeExpecting {
				return false
			}

		default: // EXPECTING
			return false
		}
	}

	return true
}

// advanceSteps runs step rows in order and reports whether every step is
// settled.
func (s *Sequential) advanceSteps(ctx context.Context) bool {
	for s.stepIdx < len(s.Children) {
		c := s.Children[s.stepIdx]
		b := c.Base()

		switch {
		case b.Skipped:
			s.stepIdx++

		case b.State.Terminal():
			switch b.State {
			case NodeFailed:
				if !b.IgnoreError && s.cleanup == "" {
					s.cleanup = NodeFailed
				}
			case NodeInterrupted:
				if s.cleanup == "" {
					s.cleanup = NodeInterrupted
				}
			}

			s.stepIdx++

		case b.State == NodeFresh:
			if s.cleanup != "" && !b.AlwaysRun {
				b.Skipped = true
				s.stepIdx++

				continue
			}

			b.CleanupMode = s.cleanup
			c.Start(ctx)

			if !effectiveTerminal(c) {
				return false
			}

		default: // EXPECTING or LAUNCHED
			return false
		}
	}

	return true
}

// teardownFixtures terminates every live fixture and reports whether all of
// them have settled.
func (s *Sequential) teardownFixtures(ctx context.Context) bool {
	if !s.terminating {
		s.terminating = true

		for _, f := range s.Fixtures {
			b := f.Base()
			if b.State == NodeFresh {
				b.Skipped = true

				continue
			}

			if t, ok := f.(terminable); ok && !b.State.Terminal() {
				t.Terminate(ctx)
			}
		}
	}

	for _, f := range s.Fixtures {
		if !effectiveTerminal(f) {
			return false
		}
	}

	return true
}

func (s *Sequential) finish(ctx context.Context) {
	final := NodeSucceed
	if s.cleanup != "" {
		final = s.cleanup
	}

	s.setState(final, nil)
	s.exec.publishNode(ctx, s, nodeEventStatus(final), nil)

	if s.Parent != nil {
		s.Parent.ProcessChildResult(ctx, s)
	}
}

func (s *Sequential) MaxResource() models.Resource {
	if effectiveTerminal(s) {
		return models.Resource{}
	}

	var fixtures models.Resource

	for _, f := range s.Fixtures {
		fixtures = fixtures.Add(f.MaxResource())
	}

	var peak models.Resource

	for _, c := range s.Children {
		peak = peak.Max(c.MaxResource())
	}

	return fixtures.Add(peak)
}

func cleanupFor(s NodeState) NodeState {
	if s == NodeInterrupted {
		return NodeInterrupted
	}

	return NodeFailed
}

// Parallel is a synthetic wrapper over the members of one steps[i] or
// fixtures[i] dictionary.
type Parallel struct {
	NodeBase

	// FixtureRow changes the failure rule: a member failing while siblings
	// are still launching terminates every launched sibling.
	FixtureRow bool

	launchedReported bool
}

func (p *Parallel) Start(ctx context.Context) {
	p.setState(NodeExpecting, nil)
	p.exec.publishNode(ctx, p, events.NodeWaiting, nil)

	for _, c := range p.Children {
		b := c.Base()
		if p.CleanupMode != "" && !b.AlwaysRun {
			b.Skipped = true

			continue
		}

		b.CleanupMode = p.CleanupMode
		c.Start(ctx)
	}

	p.recompute(ctx)
}

func (p *Parallel) ProcessResult(ctx context.Context, r *Result) {
	// parallel nodes produce no results of their own
}

func (p *Parallel) ProcessChildResult(ctx context.Context, child Node) {
	p.recompute(ctx)
}

func (p *Parallel) recompute(ctx context.Context) {
	if p.State.Terminal() {
		return
	}

	var live, launching, failed, interrupted bool

	for _, c := range p.Children {
		b := c.Base()
		if b.Skipped {
			continue
		}

		switch b.State {
		case NodeExpecting, NodeFresh:
			live = true
			launching = true
		case NodeLaunched:
			live = true
		case NodeFailed:
			if !b.IgnoreError {
				failed = true
			}
		case NodeInterrupted:
			interrupted = true
		}
	}

	if live {
		if p.FixtureRow && (failed || interrupted) {
			p.terminateLaunched(ctx)

			return
		}

		if !launching && !p.launchedReported {
			p.launchedReported = true
			p.setState(NodeLaunched, nil)
			p.exec.publishNode(ctx, p, events.NodeRunning, nil)

			if p.Parent != nil {
				p.Parent.ProcessChildResult(ctx, p)
			}
		}

		return
	}

	final := NodeSucceed

	switch {
	case failed:
		final = NodeFailed
	case interrupted:
		final = NodeInterrupted
	}

	p.setState(final, nil)
	p.exec.publishNode(ctx, p, nodeEventStatus(final), nil)

	if p.Parent != nil {
		p.Parent.ProcessChildResult(ctx, p)
	}
}

// terminateLaunched tears down every launched sibling after a launch-phase
// failure; the terminal verdict follows once the siblings report back.
func (p *Parallel) terminateLaunched(ctx context.Context) {
	for _, c := range p.Children {
		b := c.Base()
		if b.State != NodeLaunched && b.State != NodeExpecting {
			continue
		}

		if t, ok := c.(terminable); ok {
			t.Terminate(ctx)
		}
	}
}

// Terminate forwards to every live member; used when the wrapper itself is a
// fixture row being torn down.
func (p *Parallel) Terminate(ctx context.Context) {
	p.terminateLaunched(ctx)
}

func (p *Parallel) MaxResource() models.Resource {
	if effectiveTerminal(p) {
		return models.Resource{}
	}

	var sum models.Resource

	for _, c := range p.Children {
		sum = sum.Add(c.MaxResource())
	}

	return sum
}
