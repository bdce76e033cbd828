package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// Result key segments for nested step lists.
const (
	SegmentThen      = "then"
	SegmentElse      = "else"
	SegmentOnSuccess = "on_success"
	SegmentOnError   = "on_error"
	iterPrefix       = "iter_"
)

var iterSegment = regexp.MustCompile(`^iter_\d+$`)

// Node is one step of the flattened step tree. Relations are arena indices.
type Node struct {
	Index     int
	Parent    int // -1 for top-level steps
	Key       string
	Depth     int
	Type      schema.StepType
	Def       *schema.StepDefinition
	Timeout   time.Duration
	Retry     schema.RetryPolicy
	Handler   bool // inside an onSuccess/onError list
	Steps     []int
	Then      []int
	Else      []int
	OnSuccess []int
	OnError   []int
}

// Plan is the immutable arena form of a workflow's step tree.
type Plan struct {
	Nodes []Node
	Root  []int

	keys  map[string]int
	total int
}

type planBuilder struct {
	plan     *Plan
	workflow schema.RetryPolicy
	result   *schema.ValidationResult
}

// BuildPlan flattens steps into an arena, resolving per-step retry policies
// against the workflow-level policy. Duplicate ids within one step list are
// reported as a VALIDATION_ERROR.
func BuildPlan(steps []schema.StepDefinition, workflowRetry schema.RetryPolicy) (*Plan, error) {
	b := &planBuilder{
		plan:     &Plan{keys: make(map[string]int)},
		workflow: workflowRetry,
		result:   &schema.ValidationResult{},
	}
	b.plan.Root = b.addList(steps, -1, "", "steps", 0, false)
	if err := b.result.ToError(); err != nil {
		return nil, err
	}
	for _, n := range b.plan.Nodes {
		if !n.Handler {
			b.plan.total++
		}
	}
	return b.plan, nil
}

func (b *planBuilder) addList(steps []schema.StepDefinition, parent int, prefix, path string, depth int, handler bool) []int {
	seen := make(map[string]bool, len(steps))
	indices := make([]int, 0, len(steps))
	for i := range steps {
		def := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if seen[def.ID] {
			b.result.AddErrorf(stepPath+".id", schema.ErrCodeValidation, "duplicate step id %q in the same scope", def.ID)
			continue
		}
		seen[def.ID] = true
		indices = append(indices, b.addNode(def, parent, joinKey(prefix, def.ID), stepPath, depth, handler))
	}
	return indices
}

func (b *planBuilder) addNode(def *schema.StepDefinition, parent int, key, path string, depth int, handler bool) int {
	idx := len(b.plan.Nodes)
	b.plan.Nodes = append(b.plan.Nodes, Node{
		Index:   idx,
		Parent:  parent,
		Key:     key,
		Depth:   depth,
		Type:    def.Type,
		Def:     def,
		Timeout: def.Timeout.Std(),
		Retry:   ResolveRetryPolicy(def, b.workflow),
		Handler: handler,
	})
	b.plan.keys[key] = idx

	// Children are appended after the parent, so the parent slot is
	// written back through the index once every list is built.
	steps := b.addList(def.Steps, idx, key, path+".steps", depth+1, handler)
	then := b.addList(def.Then, idx, joinKey(key, SegmentThen), path+".then", depth+1, handler)
	els := b.addList(def.Else, idx, joinKey(key, SegmentElse), path+".else", depth+1, handler)
	onSuccess := b.addList(def.OnSuccess, idx, joinKey(key, SegmentOnSuccess), path+".onSuccess", depth+1, true)
	onError := b.addList(def.OnError, idx, joinKey(key, SegmentOnError), path+".onError", depth+1, true)

	n := &b.plan.Nodes[idx]
	n.Steps, n.Then, n.Else, n.OnSuccess, n.OnError = steps, then, els, onSuccess, onError
	return idx
}

// Node returns the node at index i.
func (p *Plan) Node(i int) *Node {
	return &p.Nodes[i]
}

// TotalSteps counts every node outside onSuccess/onError lists.
func (p *Plan) TotalSteps() int {
	return p.total
}

// NodeForKey maps a result key, including iteration segments, to its node.
func (p *Plan) NodeForKey(key string) (int, bool) {
	idx, ok := p.keys[StaticKey(key)]
	return idx, ok
}

func joinKey(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

func iterationKey(loopKey string, i int) string {
	return loopKey + "." + iterPrefix + strconv.Itoa(i)
}

// StaticKey drops iteration segments from a result key, so every iteration
// of a loop body maps to the same step.
func StaticKey(key string) string {
	if !strings.Contains(key, iterPrefix) {
		return key
	}
	parts := strings.Split(key, ".")
	kept := parts[:0]
	for _, p := range parts {
		if !iterSegment.MatchString(p) {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
