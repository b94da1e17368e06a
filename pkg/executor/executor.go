package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axsys"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/redisbus"
	"github.com/axialops/axplatform/pkg/retry"
	"github.com/axialops/axplatform/pkg/template"
)

// osExit is swapped out by the crash-test tests.
var osExit = os.Exit

// CrashExitCode distinguishes an intentional crash-test exit from a real
// failure; the orchestrator restarts either way.
const CrashExitCode = 10

type queuedResult struct {
	sn int64
	r  *Result
}

// Executor owns one workflow: it builds the node tree from the service
// template, drives it, and reports back to the admission controller.
//
// Node state is mutated only while holding mu, and only by the controller
// goroutine once Run is underway; leaf supervision goroutines communicate
// exclusively by enqueueing results.
type Executor struct {
	logger    *slog.Logger
	store     axdb.Store
	bus       redisbus.Bus
	runtime   axsys.Client
	fvm       FixtureClient
	reporter  Reporter
	publisher eventbus.EventPublisher
	config    Config

	workflowID string
	workflow   *models.Workflow
	service    *template.Service

	root  Node
	nodes map[string]Node

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedResult
	nextSN int64

	// currentSN is read by goroutines stamping progress events, so it is
	// atomic; only the controller (or recovery) advances it.
	currentSN atomic.Int64

	// recovering suppresses every side effect (container creation, FVM
	// calls, Kafka emits, result persistence) while persisted results are
	// replayed.
	recovering bool

	startedAt time.Time
}

// New loads the workflow document and builds the node tree. The publisher may
// be nil when no message channel is configured.
func New(logger *slog.Logger, store axdb.Store, bus redisbus.Bus, runtime axsys.Client,
	fvm FixtureClient, reporter Reporter, publisher eventbus.EventPublisher,
	config Config, workflowID string,
) (*Executor, error) {
	ctx := context.Background()

	wf, err := store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	svc, err := template.Parse(wf.ServiceTemplate)
	if err != nil {
		return nil, err
	}

	if svc.ID == "" {
		svc.ID = workflowID
	}

	e := &Executor{
		logger:     logger.With("module", "executor", "workflow_id", workflowID),
		store:      store,
		bus:        bus,
		runtime:    runtime,
		fvm:        fvm,
		reporter:   reporter,
		publisher:  publisher,
		config:     config,
		workflowID: workflowID,
		workflow:   wf,
		service:    svc,
		nodes:      make(map[string]Node),
	}
	e.cond = sync.NewCond(&e.mu)

	e.root, err = e.buildTree(svc)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Run drives the workflow to a terminal state and reports done to the
// admission controller. It returns the last status the workflow reached.
func (e *Executor) Run(ctx context.Context) (models.WorkflowStatus, error) {
	e.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// wake the controller when the caller gives up
	go func() {
		<-runCtx.Done()
		e.cond.Broadcast()
	}()

	err := e.recover(runCtx)
	if err != nil {
		return "", err
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		e.heartbeatLoop(runCtx)
	}()

	go func() {
		defer wg.Done()
		e.queryLoop(runCtx)
	}()

	if n := e.service.CrashSecond(); n > 0 {
		go e.crashLoop(runCtx, n)
	}

	e.controller(runCtx)

	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	last := e.lastStatus()
	e.publishWorkflowStatus(ctx, last)
	e.reportDone(ctx, last)

	return last, nil
}

// enqueue assigns the next sn under the queue lock so sn assignment is atomic
// with respect to enqueue order.
func (e *Executor) enqueue(r *Result) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSN++
	sn := e.nextSN
	e.queue = append(e.queue, queuedResult{sn: sn, r: r})
	e.cond.Signal()

	return sn
}

// controller drains the result queue single-threadedly until the root tree
// is terminal or the context is cancelled.
func (e *Executor) controller(ctx context.Context) {
	e.mu.Lock()

	if e.root.Base().State == NodeFresh {
		e.root.Start(ctx)
	}

	for {
		for len(e.queue) == 0 && !effectiveTerminal(e.root) && ctx.Err() == nil {
			e.cond.Wait()
		}

		if len(e.queue) == 0 {
			e.mu.Unlock()

			return
		}

		q := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.process(ctx, q.sn, q.r)

		e.mu.Lock()
	}
}

// process persists one result, then applies it to its node.
func (e *Executor) process(ctx context.Context, sn int64, r *Result) {
	node, ok := func() (Node, bool) {
		e.mu.Lock()
		defer e.mu.Unlock()

		n, ok := e.nodes[r.NodeID]

		return n, ok
	}()
	if !ok {
		e.logger.ErrorContext(ctx, "Dropping result for unknown node", "node_id", r.NodeID, "sn", sn)

		return
	}

	record := &models.NodeResult{
		RootID:    e.workflowID,
		NodeID:    r.NodeID,
		SN:        sn,
		Code:      r.Code,
		Detail:    r.Detail,
		Timestamp: models.NowMilli(),
	}

	err := retry.Do(ctx, retry.ConditionalUpdate, func() error {
		return e.store.InsertNodeResult(ctx, record)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist node result", "node_id", r.NodeID, "sn", sn, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	node.ProcessResult(ctx, r)
	e.currentSN.Store(sn)
}

// recover replays persisted results in sn order. Every replayed sn must be
// exactly current+1; a gap means the result table is corrupt and the executor
// must not guess.
func (e *Executor) recover(ctx context.Context) error {
	results, err := e.store.ListNodeResults(ctx, e.workflowID)
	if err != nil {
		return fmt.Errorf("failed to load node results for recovery: %w", err)
	}

	if len(results) == 0 {
		return nil
	}

	e.logger.InfoContext(ctx, "Recovering workflow", "results", len(results))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recovering = true
	e.root.Start(ctx)

	for _, r := range results {
		if r.SN != e.currentSN.Load()+1 {
			e.recovering = false

			return fmt.Errorf("result replay out of order: got sn %d, want %d", r.SN, e.currentSN.Load()+1)
		}

		node, ok := e.nodes[r.NodeID]
		if !ok {
			e.recovering = false

			return fmt.Errorf("result replay references unknown node %s", r.NodeID)
		}

		node.ProcessResult(ctx, &Result{NodeID: r.NodeID, Code: r.Code, Detail: r.Detail})
		e.currentSN.Store(r.SN)
	}

	e.nextSN = e.currentSN.Load()
	e.recovering = false

	// the previous incarnation may have died between a node going terminal
	// and its event leaving the process; re-emitting is idempotent downstream
	for _, n := range e.nodes {
		if _, leaf := n.(resumable); !leaf && n.Base().State.Terminal() {
			e.publishNode(ctx, n, nodeEventStatus(n.Base().State), nil)
		}
	}

	for _, n := range e.nodes {
		leaf, ok := n.(resumable)
		if !ok {
			continue
		}

		state := n.Base().State
		if state == NodeExpecting || state == NodeLaunched {
			leaf.resume(ctx)
		}
	}

	e.logger.InfoContext(ctx, "Recovery complete", "sn", e.currentSN.Load())

	return nil
}

// resumable is implemented by leaves whose supervision goroutine must be
// re-spawned after a replay leaves them live.
type resumable interface {
	resume(ctx context.Context)
}

// lastStatus maps the root's terminal state to the status reported to the
// admission controller. An interrupted tree means the workflow was being
// deleted; the controller resolves the final status from its own state.
func (e *Executor) lastStatus() models.WorkflowStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.root.Base().State {
	case NodeSucceed:
		return models.WorkflowSucceed
	default:
		return models.WorkflowFailed
	}
}

func (e *Executor) reportDone(ctx context.Context, last models.WorkflowStatus) {
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, Backoff: 2, MaxDelay: 10 * time.Second}

	err := retry.Do(ctx, policy, func() error {
		return e.reporter.ReportDone(ctx, e.workflowID, last)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to report workflow done", "last_status", last, "error", err)
	}
}

// publishNode emits one node status report onto the message channel.
// Suppressed during recovery replay and when no channel is wired.
func (e *Executor) publishNode(ctx context.Context, n Node, status events.NodeStatus, detail map[string]any) {
	if e.recovering || e.publisher == nil {
		return
	}

	b := n.Base()

	event := events.NodeStatusEvent{
		BaseEvent:   events.NewBaseEvent(events.NodeStatusEventType, e.workflowID),
		NodeID:      b.ID,
		ServiceName: b.Name,
		SN:          e.currentSN.Load(),
		Status:      status,
		Detail:      detail,
	}
	event.ReporterID = "axworkflowexecutor"

	err := e.publisher.Publish(ctx, e.workflowID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish node status", "node_id", b.ID, "status", status, "error", err)
	}
}

func (e *Executor) publishWorkflowStatus(ctx context.Context, status models.WorkflowStatus) {
	if e.publisher == nil {
		return
	}

	event := events.WorkflowStatusEvent{
		BaseEvent:  events.NewBaseEvent(events.WorkflowStatusEventType, e.workflowID),
		Status:     string(status),
		DurationMs: time.Since(e.startedAt).Milliseconds(),
	}
	event.ReporterID = "axworkflowexecutor"

	err := e.publisher.Publish(ctx, e.workflowID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish workflow status", "status", status, "error", err)
	}
}

func nodeEventStatus(s NodeState) events.NodeStatus {
	switch s {
	case NodeSucceed:
		return events.NodeSucceed
	case NodeInterrupted:
		return events.NodeInterrupted
	default:
		return events.NodeFailed
	}
}

// heartbeatLoop reports the live resource footprint every interval plus a
// random jitter so a fleet of executors does not thundering-herd the
// admission controller.
func (e *Executor) heartbeatLoop(ctx context.Context) {
	for {
		delay := e.config.HeartbeatInterval
		if e.config.HeartbeatJitter > 0 {
			delay += rand.N(e.config.HeartbeatJitter)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := e.reporter.Heartbeat(ctx, e.workflowID, e.liveResource())
		if err != nil {
			e.logger.ErrorContext(ctx, "Heartbeat failed", "error", err)
		}
	}
}

// liveResource is the peak resource the remaining tree can still hold.
func (e *Executor) liveResource() models.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.root.MaxResource()
}

// queryLoop answers query-list polls with a live tree snapshot.
func (e *Executor) queryLoop(ctx context.Context) {
	key := redisbus.QueryListKey(e.workflowID)

	for ctx.Err() == nil {
		_, _, err := e.bus.PopAny(ctx, e.config.PollTimeout, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			continue
		}

		err = e.reporter.ReportWorkflowInfo(ctx, e.workflowID, e.Snapshot())
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to report workflow info", "error", err)
		}
	}
}

// Snapshot returns the current state of every node.
func (e *Executor) Snapshot() []NodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]NodeInfo, 0, len(e.nodes))
	appendNode(&out, e.root)

	return out
}

func appendNode(out *[]NodeInfo, n Node) {
	b := n.Base()
	*out = append(*out, NodeInfo{ID: b.ID, Name: b.Name, Path: b.Path, State: b.State})

	for _, f := range b.Fixtures {
		appendNode(out, f)
	}

	for _, c := range b.Children {
		appendNode(out, c)
	}
}

// crashLoop kills the process at a random second within the configured bound.
func (e *Executor) crashLoop(ctx context.Context, bound int) {
	delay := time.Duration(rand.IntN(bound+1)) * time.Second

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	e.logger.Warn("Crash test triggered", "after", delay)
	osExit(CrashExitCode)
}
