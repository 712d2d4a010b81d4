// Package policy gates break-glass requests with a rego policy before an
// incident is opened.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/witlox/breakglass/pkg/errors"
)

// Query is the rule set a gate policy must define. Each element of the set is
// a human-readable denial reason.
const Query = "data.breakglass.deny"

const packagePath = "data.breakglass"

// DefaultPolicy is used when no policy file is configured.
const DefaultPolicy = `
package breakglass

deny contains "operator is required" if {
    trim_space(input.operator) == ""
}

deny contains "a reason is required" if {
    trim_space(input.reason) == ""
}

deny contains "ttl must be positive" if {
    input.ttl_seconds <= 0
}

deny contains msg if {
    input.max_ttl_seconds > 0
    input.ttl_seconds > input.max_ttl_seconds
    msg := sprintf("ttl of %vs exceeds the maximum of %vs", [input.ttl_seconds, input.max_ttl_seconds])
}

deny contains msg if {
    count(input.allowed_operators) > 0
    not input.operator in input.allowed_operators
    msg := sprintf("operator %v may not break glass", [input.operator])
}
`

// Request is the input evaluated for a new incident.
type Request struct {
	Operator         string
	Reason           string
	TTL              time.Duration
	MaxTTL           time.Duration
	AllowedOperators []string
}

type input struct {
	Operator         string   `json:"operator"`
	Reason           string   `json:"reason"`
	TTLSeconds       int64    `json:"ttl_seconds"`
	MaxTTLSeconds    int64    `json:"max_ttl_seconds"`
	AllowedOperators []string `json:"allowed_operators"`
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Gate evaluates break-glass requests.
type Gate struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// New prepares a gate from rego source. An empty module selects DefaultPolicy.
func New(ctx context.Context, module string, logger *slog.Logger) (*Gate, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := Validate(module); err != nil {
		return nil, err
	}

	query, err := rego.New(
		rego.Query(Query),
		rego.Module("breakglass.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy: %w", err)
	}
	return &Gate{query: query, logger: logger}, nil
}

// LoadFile prepares a gate from a policy file. An empty path selects
// DefaultPolicy.
func LoadFile(ctx context.Context, path string, logger *slog.Logger) (*Gate, error) {
	if path == "" {
		return New(ctx, "", logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return New(ctx, string(data), logger)
}

// Validate parses module and checks that it declares the breakglass package.
func Validate(module string) error {
	mod, err := ast.ParseModule("breakglass.rego", module)
	if err != nil {
		return errors.NewValidationError("policy", fmt.Sprintf("invalid rego: %v", err))
	}
	if mod == nil {
		return errors.NewValidationError("policy", "empty rego module")
	}
	if got := mod.Package.Path.String(); got != packagePath {
		return errors.NewValidationError("policy", fmt.Sprintf("package must be breakglass, got %s", strings.TrimPrefix(got, "data.")))
	}
	return nil
}

// Evaluate runs the policy against req.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	in, err := toMap(newInput(req))
	if err != nil {
		return nil, err
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	decision := &Decision{Allowed: true}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision, nil
	}
	set, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return &Decision{Allowed: false, Reasons: []string{"invalid policy result"}}, nil
	}
	for _, v := range set {
		decision.Reasons = append(decision.Reasons, fmt.Sprint(v))
	}
	sort.Strings(decision.Reasons)
	decision.Allowed = len(decision.Reasons) == 0
	return decision, nil
}

// Check evaluates req and returns a ValidationError wrapping
// errors.ErrPolicyDenied when it is denied.
func (g *Gate) Check(ctx context.Context, req Request) error {
	decision, err := g.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	g.logger.WarnContext(ctx, "break-glass request denied by policy",
		"operator", req.Operator,
		"reasons", decision.Reasons,
	)
	return &errors.ValidationError{
		Field:   "request",
		Message: strings.Join(decision.Reasons, "; "),
		Cause:   errors.ErrPolicyDenied,
	}
}

func newInput(req Request) input {
	allowed := req.AllowedOperators
	if allowed == nil {
		allowed = []string{}
	}
	return input{
		Operator:         req.Operator,
		Reason:           req.Reason,
		TTLSeconds:       int64(req.TTL / time.Second),
		MaxTTLSeconds:    int64(req.MaxTTL / time.Second),
		AllowedOperators: allowed,
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	return m, nil
}
