package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/tools"
)

const converterVersion = "1"

// Converter turns raw model plans into validated canonical plans. The
// registry provides the tool schemas that drive fan-out detection and the
// existence checks.
type Converter struct {
	registry *tools.Registry
	now      func() time.Time
}

// NewConverter constructs a Converter over the given tool registry.
func NewConverter(registry *tools.Registry) *Converter {
	return &Converter{registry: registry, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (c *Converter) SetClock(now func() time.Time) { c.now = now }

// Convert validates and canonicalizes a raw plan: fan-out expansion,
// dependency rewrite, UUID assignment, cycle detection, topological
// ordering and constraint enforcement. The returned plan's steps are in
// topological order with dense zero-based step numbers.
func (c *Converter) Convert(raw RawPlan, intentID, modelID string, constraints Constraints) (Plan, error) {
	if len(raw.Steps) == 0 {
		return Plan{}, execerrors.New(execerrors.CodePlanValidationFailed, "plan has no steps")
	}

	if err := c.checkRawSteps(raw.Steps); err != nil {
		return Plan{}, err
	}

	expanded, fanout := c.expand(raw.Steps)

	steps, err := assignIDs(expanded, fanout)
	if err != nil {
		return Plan{}, err
	}

	if err := detectCycle(steps); err != nil {
		return Plan{}, err
	}
	ordered, err := topoSort(steps)
	if err != nil {
		return Plan{}, err
	}

	totalTokens := 0
	for i := range ordered {
		ordered[i].StepNumber = i
		totalTokens += ordered[i].EstimatedTokens
	}

	if constraints.MaxSteps > 0 && len(ordered) > constraints.MaxSteps {
		return Plan{}, execerrors.Newf(execerrors.CodePlanValidationFailed,
			"plan has %d steps, limit is %d", len(ordered), constraints.MaxSteps)
	}
	if constraints.MaxTotalTokens > 0 && totalTokens > constraints.MaxTotalTokens {
		return Plan{}, execerrors.Newf(execerrors.CodePlanValidationFailed,
			"plan estimates %d tokens, budget is %d", totalTokens, constraints.MaxTotalTokens)
	}

	return Plan{
		ID:          uuid.NewString(),
		IntentID:    intentID,
		Steps:       ordered,
		Constraints: constraints,
		Metadata: Metadata{
			Version:              converterVersion,
			CreatedAt:            c.now().UTC().Format(time.RFC3339),
			PlanningModelID:      modelID,
			EstimatedTotalTokens: totalTokens,
		},
		Summary: raw.Summary,
	}, nil
}

// checkRawSteps rejects duplicate step numbers, unknown tools and
// dependencies on step numbers that do not exist.
func (c *Converter) checkRawSteps(steps []RawStep) error {
	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step.ToolName == "" {
			return execerrors.Newf(execerrors.CodePlanValidationFailed, "step %d has no tool name", step.StepNumber)
		}
		if seen[step.StepNumber] {
			return execerrors.Newf(execerrors.CodePlanValidationFailed, "duplicate step number %d", step.StepNumber)
		}
		seen[step.StepNumber] = true
		if _, err := c.registry.Resolve(step.ToolName, step.ToolVersion); err != nil {
			return execerrors.Newf(execerrors.CodePlanValidationFailed, "step %d references unknown tool %q", step.StepNumber, step.ToolName)
		}
	}
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return execerrors.Newf(execerrors.CodePlanValidationFailed,
					"step %d depends on unknown step %d", step.StepNumber, dep)
			}
			if dep == step.StepNumber {
				return execerrors.Newf(execerrors.CodePlanCircularDependency,
					"step %d depends on itself", step.StepNumber)
			}
		}
	}
	return nil
}

// expand performs fan-out: a raw step supplying an array for a parameter the
// tool schema declares as scalar is split into one step per element. Only
// the first eligible parameter (schema property order, name-sorted) fans
// out. Returns the expanded raw steps, renumbered densely, plus the mapping
// from original step number to replacement step numbers.
func (c *Converter) expand(steps []RawStep) ([]RawStep, map[int][]int) {
	var expanded []RawStep
	fanout := make(map[int][]int, len(steps))
	next := 0

	for _, step := range steps {
		param, values := c.fanoutParam(step)
		if param == "" {
			clone := step
			clone.StepNumber = next
			fanout[step.StepNumber] = []int{next}
			expanded = append(expanded, clone)
			next++
			continue
		}
		var replacements []int
		for _, value := range values {
			clone := step
			clone.StepNumber = next
			clone.Parameters = make(map[string]any, len(step.Parameters))
			for k, v := range step.Parameters {
				clone.Parameters[k] = v
			}
			clone.Parameters[param] = value
			clone.Description = fmt.Sprintf("%s (%v)", step.Description, value)
			expanded = append(expanded, clone)
			replacements = append(replacements, next)
			next++
		}
		fanout[step.StepNumber] = replacements
	}
	return expanded, fanout
}

// fanoutParam finds the first schema-scalar parameter supplied as a
// non-empty array. Candidate parameters are examined in sorted name order so
// expansion is deterministic.
func (c *Converter) fanoutParam(step RawStep) (string, []any) {
	schema, ok := c.registry.InputSchema(step.ToolName)
	if !ok {
		return "", nil
	}
	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		if !scalarType(prop) {
			continue
		}
		values, isArray := step.Parameters[name].([]any)
		if isArray && len(values) > 0 {
			return name, values
		}
	}
	return "", nil
}

func scalarType(prop map[string]any) bool {
	switch prop["type"] {
	case "string", "number", "integer", "boolean":
		return true
	}
	return false
}

// assignIDs gives every expanded step a fresh UUID and rewrites integer
// dependencies into de-duplicated UUID sets using the fan-out mapping.
func assignIDs(expanded []RawStep, fanout map[int][]int) ([]PlanStep, error) {
	ids := make(map[int]string, len(expanded))
	for _, step := range expanded {
		ids[step.StepNumber] = uuid.NewString()
	}

	steps := make([]PlanStep, 0, len(expanded))
	for _, raw := range expanded {
		var deps []string
		seen := make(map[string]bool)
		for _, dep := range raw.Dependencies {
			for _, replacement := range fanout[dep] {
				id := ids[replacement]
				if !seen[id] {
					seen[id] = true
					deps = append(deps, id)
				}
			}
		}
		params := raw.Parameters
		if params == nil {
			params = map[string]any{}
		}
		steps = append(steps, PlanStep{
			ID:                   ids[raw.StepNumber],
			StepNumber:           raw.StepNumber,
			ToolName:             raw.ToolName,
			ToolVersion:          raw.ToolVersion,
			Parameters:           params,
			Dependencies:         deps,
			Description:          raw.Description,
			RequiresConfirmation: raw.RequiresConfirmation,
			EstimatedTokens:      raw.EstimatedTokens,
			TimeoutMs:            raw.TimeoutMs,
		})
	}
	return steps, nil
}

// detectCycle runs DFS over the dependency edges and fails on a back edge.
func detectCycle(steps []PlanStep) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	byID := make(map[string]*PlanStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	state := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return execerrors.Newf(execerrors.CodePlanCircularDependency, "cycle through step %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, step := range steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

// topoSort orders steps with Kahn's algorithm. Ready steps are released in
// original step-number order so the result is stable. Residual in-degree
// after the sweep means a cycle survived expansion.
func topoSort(steps []PlanStep) ([]PlanStep, error) {
	byID := make(map[string]PlanStep, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
		indegree[step.ID] = len(step.Dependencies)
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	ordered := make([]PlanStep, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return byID[ready[a]].StepNumber < byID[ready[b]].StepNumber
		})
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(ordered) != len(steps) {
		return nil, execerrors.New(execerrors.CodePlanCircularDependency, "plan has a residual cycle")
	}
	return ordered, nil
}
