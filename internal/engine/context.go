package engine

import (
	"sync"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// recorder is where a step tree walk records its outcomes. The run's
// ExecutionContext is the root recorder; parallel branches record into
// buffers that are merged into their parent on completion.
type recorder interface {
	record(r *schema.StepResult)
	log(entry schema.LogEntry)
	addEvidence(handle string)
	lookup(key string) (*schema.StepResult, bool)
	memo(key string) (any, bool)
	setMemo(key string, value any)
	stepsView() map[string]any
	overlay(snap *schema.ExecutionSnapshot)
}

// ExecutionContext is the mutable state of one run. Only the goroutine
// driving the run mutates it; mutations take a short write lock so that
// Snapshot, which copies under the read lock, is atomic for other readers.
type ExecutionContext struct {
	mu sync.RWMutex

	executionID string
	workflowID  string
	plan        *Plan
	status      *StatusMachine
	inputs      map[string]any
	vars        *Vars
	results     map[string]*schema.StepResult
	order       []string
	done        map[int]struct{}
	logs        []schema.LogEntry
	evidence    []string
	memos       map[string]any
	current     string
	failure     *schema.EngineError
	startedAt   time.Time
	endedAt     *time.Time
	sealed      bool

	now      func() time.Time
	onChange func()
}

// NewExecutionContext creates a pending context seeded with the workflow
// constants, then the resolved inputs.
func NewExecutionContext(executionID string, def *WorkflowDefinition, inputs map[string]any) *ExecutionContext {
	ec := newContext(executionID, def.ID, def.Plan, schema.StatusPending)
	for _, c := range def.Constants {
		ec.vars.Set(c.Name, copyValue(c.Value))
	}
	names := make([]string, 0, len(inputs))
	for _, in := range def.Inputs {
		if _, ok := inputs[in.Name]; ok {
			names = append(names, in.Name)
		}
	}
	for name := range inputs {
		if !containsString(names, name) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		ec.vars.Set(name, copyValue(inputs[name]))
	}
	ec.inputs = copyMap(inputs)
	return ec
}

// RestoreExecutionContext rebuilds a context from a snapshot. def may be nil
// when only the terminal bookkeeping of a stored run is needed.
func RestoreExecutionContext(snap *schema.ExecutionSnapshot, def *WorkflowDefinition) *ExecutionContext {
	var plan *Plan
	if def != nil {
		plan = def.Plan
	}
	ec := newContext(snap.ExecutionID, snap.WorkflowID, plan, snap.Status)
	ec.inputs = copyMap(snap.Inputs)
	ec.vars = varsFromList(snap.Variables)
	for _, key := range snap.ResultOrder {
		r, ok := snap.StepResults[key]
		if !ok {
			continue
		}
		ec.results[key] = copyResult(r)
		ec.order = append(ec.order, key)
		if plan == nil {
			continue
		}
		if idx, ok := plan.NodeForKey(key); ok && !plan.Nodes[idx].Handler {
			ec.done[idx] = struct{}{}
		}
	}
	ec.logs = append(ec.logs, snap.Logs...)
	ec.evidence = append(ec.evidence, snap.Evidence...)
	for k, v := range snap.Memo {
		ec.memos[k] = copyValue(v)
	}
	ec.current = snap.CurrentStepID
	ec.failure = snap.Error
	if !snap.StartedAt.IsZero() {
		ec.startedAt = snap.StartedAt
	}
	if snap.EndedAt != nil {
		ended := *snap.EndedAt
		ec.endedAt = &ended
	}
	ec.sealed = snap.Status.IsTerminal()
	return ec
}

func newContext(executionID, workflowID string, plan *Plan, status schema.ExecutionStatus) *ExecutionContext {
	ec := &ExecutionContext{
		executionID: executionID,
		workflowID:  workflowID,
		plan:        plan,
		status:      NewStatusMachine(executionID, status),
		vars:        NewVars(),
		results:     make(map[string]*schema.StepResult),
		done:        make(map[int]struct{}),
		memos:       make(map[string]any),
		now:         time.Now,
	}
	ec.startedAt = ec.now().UTC()
	return ec
}

// ExecutionID returns the run's unique id.
func (ec *ExecutionContext) ExecutionID() string { return ec.executionID }

// WorkflowID returns the id of the workflow being run.
func (ec *ExecutionContext) WorkflowID() string { return ec.workflowID }

// Inputs returns a copy of the resolved inputs the run started with.
func (ec *ExecutionContext) Inputs() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.inputs == nil {
		return map[string]any{}
	}
	return copyMap(ec.inputs)
}

// Status returns the current lifecycle status.
func (ec *ExecutionContext) Status() schema.ExecutionStatus { return ec.status.Current() }

// Transition moves the run to status to. Reaching a terminal status seals
// the context.
func (ec *ExecutionContext) Transition(to schema.ExecutionStatus) error {
	if err := ec.status.Transition(to); err != nil {
		return err
	}
	ec.mu.Lock()
	if to.IsTerminal() {
		ended := ec.now().UTC()
		ec.endedAt = &ended
		ec.sealed = true
	}
	ec.mu.Unlock()
	ec.changed()
	return nil
}

// Finish records the run's failure (if any) and moves it to a terminal status.
func (ec *ExecutionContext) Finish(to schema.ExecutionStatus, failure *schema.EngineError) error {
	ec.mu.Lock()
	if !ec.sealed {
		ec.failure = failure
		if to == schema.StatusCompleted {
			ec.current = ""
		}
	}
	ec.mu.Unlock()
	return ec.Transition(to)
}

// Get returns the value of a variable.
func (ec *ExecutionContext) Get(name string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.vars.Get(name)
	return copyValue(v), ok
}

// SetVariable writes a variable. Terminal contexts reject writes.
func (ec *ExecutionContext) SetVariable(name string, value any) error {
	ec.mu.Lock()
	if ec.sealed {
		ec.mu.Unlock()
		return ec.sealedError()
	}
	ec.vars.Set(name, value)
	ec.mu.Unlock()
	return nil
}

// Set implements varScope; writes after sealing are dropped.
func (ec *ExecutionContext) Set(name string, value any) {
	_ = ec.SetVariable(name, value)
}

// Map returns a deep copy of the variables.
func (ec *ExecutionContext) Map() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.vars.Map()
}

// Fork returns a child variable scope.
func (ec *ExecutionContext) Fork() *Vars {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.vars.Fork()
}

// RecordResult stores a step result keyed by its scoped step id.
func (ec *ExecutionContext) RecordResult(r *schema.StepResult) error {
	ec.mu.Lock()
	if ec.sealed {
		ec.mu.Unlock()
		return ec.sealedError()
	}
	if _, exists := ec.results[r.StepID]; !exists {
		ec.order = append(ec.order, r.StepID)
	}
	ec.results[r.StepID] = copyResult(r)
	if ec.plan != nil {
		if idx, ok := ec.plan.NodeForKey(r.StepID); ok && !ec.plan.Nodes[idx].Handler {
			ec.done[idx] = struct{}{}
		}
	}
	ec.mu.Unlock()
	ec.changed()
	return nil
}

// AppendLog appends a log entry, assigning its sequence number.
func (ec *ExecutionContext) AppendLog(entry schema.LogEntry) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.sealed {
		return ec.sealedError()
	}
	entry.Seq = len(ec.logs) + 1
	if entry.Time.IsZero() {
		entry.Time = ec.now().UTC()
	}
	ec.logs = append(ec.logs, entry)
	return nil
}

// Result returns a copy of the result recorded under key.
func (ec *ExecutionContext) Result(key string) (*schema.StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[key]
	if !ok {
		return nil, false
	}
	return copyResult(r), true
}

// SetCurrentStep marks the step being executed.
func (ec *ExecutionContext) SetCurrentStep(key string) {
	ec.mu.Lock()
	if !ec.sealed {
		ec.current = key
	}
	ec.mu.Unlock()
}

// Progress derives the publishable progress view.
func (ec *ExecutionContext) Progress() schema.Progress {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	status := ec.status.Current()
	total := 0
	if ec.plan != nil {
		total = ec.plan.TotalSteps()
	}
	completed := len(ec.done)
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	if status == schema.StatusCompleted {
		pct = 100
	}
	if pct > 100 {
		pct = 100
	}
	return schema.Progress{
		ExecutionID:    ec.executionID,
		WorkflowID:     ec.workflowID,
		Status:         status,
		TotalSteps:     total,
		CompletedSteps: completed,
		CurrentStepID:  ec.current,
		Percentage:     pct,
		Timestamp:      ec.now().UTC(),
		Final:          status.IsTerminal(),
	}
}

// Snapshot returns a deep copy of the context that shares no mutable state.
func (ec *ExecutionContext) Snapshot() *schema.ExecutionSnapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	snap := &schema.ExecutionSnapshot{
		ExecutionID:   ec.executionID,
		WorkflowID:    ec.workflowID,
		Status:        ec.status.Current(),
		Inputs:        copyMap(ec.inputs),
		Variables:     ec.vars.List(),
		StepResults:   make(map[string]*schema.StepResult, len(ec.results)),
		ResultOrder:   append([]string{}, ec.order...),
		Logs:          make([]schema.LogEntry, len(ec.logs)),
		Evidence:      append([]string(nil), ec.evidence...),
		CurrentStepID: ec.current,
		StartedAt:     ec.startedAt,
		UpdatedAt:     ec.now().UTC(),
	}
	for k, r := range ec.results {
		snap.StepResults[k] = copyResult(r)
	}
	for i, entry := range ec.logs {
		entry.Fields = copyMap(entry.Fields)
		snap.Logs[i] = entry
	}
	if len(ec.memos) > 0 {
		snap.Memo = make(map[string]any, len(ec.memos))
		for k, v := range ec.memos {
			snap.Memo[k] = copyValue(v)
		}
	}
	if ec.failure != nil {
		failure := *ec.failure
		snap.Error = &failure
	}
	if ec.endedAt != nil {
		ended := *ec.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

func (ec *ExecutionContext) sealedError() error {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %s is %s and read-only", ec.executionID, ec.status.Current())
}

func (ec *ExecutionContext) changed() {
	if ec.onChange != nil {
		ec.onChange()
	}
}

// --- recorder ---

func (ec *ExecutionContext) record(r *schema.StepResult) { _ = ec.RecordResult(r) }

func (ec *ExecutionContext) log(entry schema.LogEntry) { _ = ec.AppendLog(entry) }

func (ec *ExecutionContext) addEvidence(handle string) {
	ec.mu.Lock()
	if !ec.sealed {
		ec.evidence = append(ec.evidence, handle)
	}
	ec.mu.Unlock()
}

func (ec *ExecutionContext) lookup(key string) (*schema.StepResult, bool) { return ec.Result(key) }

func (ec *ExecutionContext) memo(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.memos[key]
	return copyValue(v), ok
}

func (ec *ExecutionContext) setMemo(key string, value any) {
	ec.mu.Lock()
	if !ec.sealed {
		ec.memos[key] = copyValue(value)
	}
	ec.mu.Unlock()
}

func (ec *ExecutionContext) stepsView() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return resultsView(ec.results, nil)
}

// overlay is a no-op at the root: the snapshot already holds every write.
func (ec *ExecutionContext) overlay(*schema.ExecutionSnapshot) {}

// --- branch buffer ---

// branchBuffer isolates the writes of one parallel branch until the branch
// completes. Reads fall through to the parent.
type branchBuffer struct {
	mu       sync.Mutex
	parent   recorder
	results  map[string]*schema.StepResult
	order    []string
	logs     []schema.LogEntry
	evidence []string
	memos    map[string]any
}

func newBranchBuffer(parent recorder) *branchBuffer {
	return &branchBuffer{
		parent:  parent,
		results: make(map[string]*schema.StepResult),
		memos:   make(map[string]any),
	}
}

func (b *branchBuffer) record(r *schema.StepResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.results[r.StepID]; !exists {
		b.order = append(b.order, r.StepID)
	}
	b.results[r.StepID] = copyResult(r)
}

func (b *branchBuffer) log(entry schema.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	b.logs = append(b.logs, entry)
}

func (b *branchBuffer) addEvidence(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evidence = append(b.evidence, handle)
}

func (b *branchBuffer) lookup(key string) (*schema.StepResult, bool) {
	b.mu.Lock()
	r, ok := b.results[key]
	b.mu.Unlock()
	if ok {
		return copyResult(r), true
	}
	return b.parent.lookup(key)
}

func (b *branchBuffer) memo(key string) (any, bool) {
	b.mu.Lock()
	v, ok := b.memos[key]
	b.mu.Unlock()
	if ok {
		return copyValue(v), true
	}
	return b.parent.memo(key)
}

func (b *branchBuffer) setMemo(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memos[key] = copyValue(value)
}

func (b *branchBuffer) stepsView() map[string]any {
	view := b.parent.stepsView()
	b.mu.Lock()
	defer b.mu.Unlock()
	return resultsView(b.results, view)
}

// overlay adds the branch's unflushed results and evidence to snap, so a
// snapshot taken inside a branch sees what the branch has done so far.
func (b *branchBuffer) overlay(snap *schema.ExecutionSnapshot) {
	b.parent.overlay(snap)
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.StepResults == nil {
		snap.StepResults = make(map[string]*schema.StepResult, len(b.results))
	}
	for _, key := range b.order {
		if _, exists := snap.StepResults[key]; !exists {
			snap.ResultOrder = append(snap.ResultOrder, key)
		}
		snap.StepResults[key] = copyResult(b.results[key])
	}
	snap.Evidence = append(snap.Evidence, b.evidence...)
}

// flushInto moves every buffered write into dst, preserving record order.
func (b *branchBuffer) flushInto(dst recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.memos {
		dst.setMemo(k, v)
	}
	for _, entry := range b.logs {
		dst.log(entry)
	}
	for _, key := range b.order {
		dst.record(b.results[key])
	}
	for _, h := range b.evidence {
		dst.addEvidence(h)
	}
}

func resultsView(results map[string]*schema.StepResult, into map[string]any) map[string]any {
	if into == nil {
		into = make(map[string]any, len(results))
	}
	for key, r := range results {
		into[key] = map[string]any{
			"status":   string(r.Status),
			"outputs":  copyMap(r.Outputs),
			"attempts": r.Attempts,
		}
	}
	return into
}

func copyResult(r *schema.StepResult) *schema.StepResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Outputs = copyMap(r.Outputs)
	if r.Error != nil {
		e := *r.Error
		e.Details = copyMap(r.Error.Details)
		out.Error = &e
	}
	return &out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
