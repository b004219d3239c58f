package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// Registry holds tool registrations keyed by (name, version) and
	// dispatches invocations. Registration is expected to happen at process
	// start; runtime registration is allowed but must precede the first
	// invocation of that tool name.
	Registry struct {
		mu      sync.RWMutex
		entries map[string][]*registration // name → versions, ascending semver
		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
	}

	registration struct {
		def     Definition
		handler Handler
		input   *jsonschema.Schema
		output  *jsonschema.Schema
	}

	// RegistryOption customizes a Registry.
	RegistryOption func(*Registry)
)

// WithLogger sets the registry logger. Defaults to noop.
func WithLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithTracer sets the registry tracer. Defaults to noop.
func WithTracer(t telemetry.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// WithMetrics sets the registry metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string][]*registration),
		logger:  telemetry.NewNoopLogger(),
		tracer:  telemetry.NewNoopTracer(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Register adds a tool under (name, version). Re-registration of the same
// name and version is forbidden.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("tool handler is required")
	}
	if len(def.InputSchema) == 0 {
		return fmt.Errorf("tool %q: input schema is required", def.Name)
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	if _, err := parseSemver(def.Version); err != nil {
		return fmt.Errorf("tool %q: %w", def.Name, err)
	}
	if def.DefaultTimeout <= 0 {
		def.DefaultTimeout = DefaultTimeout
	}

	input, err := compileSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: compile input schema: %w", def.Name, err)
	}
	var output *jsonschema.Schema
	if len(def.ReturnSchema) > 0 {
		output, err = compileSchema(def.ReturnSchema)
		if err != nil {
			return fmt.Errorf("tool %q: compile return schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.entries[def.Name]
	for _, reg := range versions {
		if reg.def.Version == def.Version {
			return fmt.Errorf("tool %q version %s already registered", def.Name, def.Version)
		}
	}
	versions = append(versions, &registration{def: def, handler: handler, input: input, output: output})
	sort.Slice(versions, func(a, b int) bool {
		va, _ := parseSemver(versions[a].def.Version)
		vb, _ := parseSemver(versions[b].def.Version)
		return va.less(vb)
	})
	r.entries[def.Name] = versions
	return nil
}

// Resolve returns the definition for name at the given version. An empty
// version resolves to the latest registered semver.
func (r *Registry) Resolve(name, version string) (Definition, error) {
	reg, err := r.resolve(name, version)
	if err != nil {
		return Definition{}, err
	}
	return reg.def, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns a map of tool name to its latest registered version,
// captured for checkpoint identity.
func (r *Registry) Versions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make(map[string]string, len(r.entries))
	for name, regs := range r.entries {
		versions[name] = regs[len(regs)-1].def.Version
	}
	return versions
}

// InputSchema returns the raw input schema for the latest version of name.
func (r *Registry) InputSchema(name string) (map[string]any, bool) {
	reg, err := r.resolve(name, "")
	if err != nil {
		return nil, false
	}
	return reg.def.InputSchema, true
}

// ValidateInput checks params against the input schema of the latest version
// of name, collecting one issue per violation.
func (r *Registry) ValidateInput(name string, params map[string]any) ([]ValidationIssue, error) {
	reg, err := r.resolve(name, "")
	if err != nil {
		return nil, err
	}
	return validate(reg.input, params), nil
}

// ValidateOutput checks output against the return schema of the latest
// version of name. Tools without a return schema accept any output.
func (r *Registry) ValidateOutput(name string, output any) ([]ValidationIssue, error) {
	reg, err := r.resolve(name, "")
	if err != nil {
		return nil, err
	}
	if reg.output == nil {
		return nil, nil
	}
	return validate(reg.output, output), nil
}

// Execute validates params, dispatches the handler under the given timeout
// (falling back to the definition default), validates the output when a
// return schema is declared, and reports latency. Expected failures are
// reported in the Result, not as a Go error.
func (r *Registry) Execute(ctx context.Context, name, version string, params map[string]any, timeout time.Duration) Result {
	start := time.Now()
	fail := func(err *execerrors.Error) Result {
		r.metrics.IncCounter("tool_executions", 1, "tool", name, "outcome", "error")
		return Result{Error: err, LatencyMs: time.Since(start).Milliseconds()}
	}

	reg, err := r.resolve(name, version)
	if err != nil {
		var ee *execerrors.Error
		if errors.As(err, &ee) {
			return fail(ee)
		}
		return fail(execerrors.Wrap(execerrors.CodeToolNotFound, name, err))
	}

	if issues := validate(reg.input, params); len(issues) > 0 {
		verr := execerrors.Newf(execerrors.CodeToolValidationFailed, "input validation failed for %s", name)
		verr.WithDetail("issues", issues)
		return fail(verr)
	}

	if timeout <= 0 {
		timeout = reg.def.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "tool.execute")
	defer span.End()

	output, err := r.dispatch(callCtx, reg.handler, params)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.metrics.IncCounter("tool_executions", 1, "tool", name, "outcome", "timeout")
			return Result{
				Error:     execerrors.Newf(execerrors.CodeStepTimeout, "%s exceeded %s", name, timeout).AsRecoverable(),
				LatencyMs: latency.Milliseconds(),
			}
		}
		r.logger.Warn(ctx, "tool execution failed", "tool", name, "error", err.Error())
		return fail(execerrors.Wrap(execerrors.CodeToolExecutionFailed, name, err))
	}

	if reg.output != nil {
		if issues := validate(reg.output, output); len(issues) > 0 {
			verr := execerrors.Newf(execerrors.CodeToolValidationFailed, "output validation failed for %s", name)
			verr.WithDetail("issues", issues)
			return fail(verr)
		}
	}

	r.metrics.IncCounter("tool_executions", 1, "tool", name, "outcome", "success")
	r.metrics.RecordTimer("tool_execution_duration", latency, "tool", name)
	return Result{Success: true, Output: output, LatencyMs: latency.Milliseconds()}
}

// dispatch runs the handler in a goroutine so a handler that ignores ctx
// cannot wedge the orchestrator past its timeout. Late results are discarded.
func (r *Registry) dispatch(ctx context.Context, handler Handler, params map[string]any) (any, error) {
	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		output, err := handler(ctx, params)
		done <- outcome{output: output, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.output, out.err
	}
}

func (r *Registry) resolve(name, version string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.entries[name]
	if len(versions) == 0 {
		return nil, execerrors.Newf(execerrors.CodeToolNotFound, "tool %q is not registered", name)
	}
	if version == "" {
		return versions[len(versions)-1], nil
	}
	for _, reg := range versions {
		if reg.def.Version == version {
			return reg, nil
		}
	}
	return nil, execerrors.Newf(execerrors.CodeToolNotFound, "tool %q has no version %s", name, version)
}

// compileSchema compiles a schema supplied as a decoded JSON document. The
// document is round-tripped through encoding/json so Go-native values
// (ints, typed slices) normalize into the shapes the compiler expects.
func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// validate runs schema validation and flattens the causes into issues.
func validate(schema *jsonschema.Schema, value any) []ValidationIssue {
	normalized, err := normalizeJSON(value)
	if err != nil {
		return []ValidationIssue{{Path: "/", Message: err.Error(), Code: "invalid_json"}}
	}
	err = schema.Validate(normalized)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []ValidationIssue{{Path: "/", Message: err.Error(), Code: "schema_violation"}}
	}
	return flattenCauses(verr)
}

func flattenCauses(verr *jsonschema.ValidationError) []ValidationIssue {
	if len(verr.Causes) == 0 {
		return []ValidationIssue{{
			Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
			Message: verr.Error(),
			Code:    "schema_violation",
		}}
	}
	var issues []ValidationIssue
	for _, cause := range verr.Causes {
		issues = append(issues, flattenCauses(cause)...)
	}
	return issues
}

// normalizeJSON round-trips a value through encoding/json.
func normalizeJSON(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// semver is a parsed major.minor.patch version.
type semver struct {
	major, minor, patch int
}

func (v semver) less(o semver) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	if v.minor != o.minor {
		return v.minor < o.minor
	}
	return v.patch < o.patch
}

func parseSemver(s string) (semver, error) {
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	if len(parts) != 3 {
		return semver{}, fmt.Errorf("invalid semver %q", s)
	}
	var v semver
	var err error
	if v.major, err = strconv.Atoi(parts[0]); err != nil {
		return semver{}, fmt.Errorf("invalid semver %q", s)
	}
	if v.minor, err = strconv.Atoi(parts[1]); err != nil {
		return semver{}, fmt.Errorf("invalid semver %q", s)
	}
	// Tolerate pre-release/build suffixes on the patch component.
	patch := parts[2]
	if i := strings.IndexAny(patch, "-+"); i >= 0 {
		patch = patch[:i]
	}
	if v.patch, err = strconv.Atoi(patch); err != nil {
		return semver{}, fmt.Errorf("invalid semver %q", s)
	}
	return v, nil
}
