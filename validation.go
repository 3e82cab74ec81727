package graph

import (
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// ValidationRule represents a single validation rule that can be applied to
// GraphQL operations before execution
type ValidationRule interface {
	// Name returns a unique identifier for this rule
	Name() string

	// Validate executes the rule against the parsed query
	// Returns nil if valid, error if validation fails
	Validate(ctx *ValidationContext) error

	// Enabled checks if this rule should be executed
	Enabled() bool

	// Enable enables the rule
	Enable()

	// Disable disables the rule
	Disable()
}

// BaseRule provides common functionality for all validation rules
// All custom rules should embed this struct
type BaseRule struct {
	name    string
	enabled bool
}

// NewBaseRule creates a new base rule with the given name
func NewBaseRule(name string) BaseRule {
	return BaseRule{
		name:    name,
		enabled: true,
	}
}

func (r *BaseRule) Name() string  { return r.name }
func (r *BaseRule) Enabled() bool { return r.enabled }
func (r *BaseRule) Enable()       { r.enabled = true }
func (r *BaseRule) Disable()      { r.enabled = false }

// NewError creates a validation error for this rule
func (r *BaseRule) NewError(message string) *ValidationError {
	return &ValidationError{
		Rule:    r.name,
		Message: message,
	}
}

// NewErrorf creates a validation error with formatted message
func (r *BaseRule) NewErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Rule:    r.name,
		Message: fmt.Sprintf(format, args...),
	}
}

// ValidationContext provides all necessary information for validation
type ValidationContext struct {
	// GraphQL query components
	Query     string
	Document  *ast.Document
	Schema    *graphql.Schema
	Variables map[string]interface{}

	// ConnectionParams carries the connection_init payload of the subscribing
	// client (can be nil if the client sent none)
	// Validation rules can type-assert this to whatever structure they need
	ConnectionParams interface{}
}

// ValidationError provides detailed error information
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Rule, e.Message)
}

// ExecuteRules runs the enabled rules in order and returns the first failure.
func ExecuteRules(rules []ValidationRule, ctx *ValidationContext) error {
	for _, rule := range rules {
		if !rule.Enabled() {
			continue
		}
		if err := rule.Validate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// MaxDepthRule validates maximum query depth
type MaxDepthRule struct {
	BaseRule
	maxDepth int
}

// NewMaxDepthRule creates a new max depth validation rule
func NewMaxDepthRule(maxDepth int) ValidationRule {
	return &MaxDepthRule{
		BaseRule: NewBaseRule("MaxDepthRule"),
		maxDepth: maxDepth,
	}
}

func (r *MaxDepthRule) Validate(ctx *ValidationContext) error {
	depth := calculateQueryDepth(ctx.Document)
	if depth > r.maxDepth {
		return r.NewErrorf("query depth %d exceeds maximum %d", depth, r.maxDepth)
	}
	return nil
}

// MaxComplexityRule validates query complexity
type MaxComplexityRule struct {
	BaseRule
	maxComplexity int
}

// NewMaxComplexityRule creates a new max complexity validation rule
func NewMaxComplexityRule(maxComplexity int) ValidationRule {
	return &MaxComplexityRule{
		BaseRule:      NewBaseRule("MaxComplexityRule"),
		maxComplexity: maxComplexity,
	}
}

func (r *MaxComplexityRule) Validate(ctx *ValidationContext) error {
	complexity := calculateQueryComplexity(ctx.Document)
	if complexity > r.maxComplexity {
		return r.NewErrorf("query complexity %d exceeds maximum %d", complexity, r.maxComplexity)
	}
	return nil
}

// MaxAliasesRule validates number of aliases
type MaxAliasesRule struct {
	BaseRule
	maxAliases int
}

// NewMaxAliasesRule creates a new max aliases validation rule
func NewMaxAliasesRule(maxAliases int) ValidationRule {
	return &MaxAliasesRule{
		BaseRule:   NewBaseRule("MaxAliasesRule"),
		maxAliases: maxAliases,
	}
}

func (r *MaxAliasesRule) Validate(ctx *ValidationContext) error {
	count := countAliases(ctx.Document)
	if count > r.maxAliases {
		return r.NewErrorf("query contains %d aliases, maximum %d allowed", count, r.maxAliases)
	}
	return nil
}

// NoIntrospectionRule blocks introspection queries
type NoIntrospectionRule struct {
	BaseRule
}

// NewNoIntrospectionRule creates a new no introspection validation rule
func NewNoIntrospectionRule() ValidationRule {
	return &NoIntrospectionRule{
		BaseRule: NewBaseRule("NoIntrospectionRule"),
	}
}

func (r *NoIntrospectionRule) Validate(ctx *ValidationContext) error {
	if hasIntrospection(ctx.Document) {
		return r.NewError("GraphQL introspection is disabled")
	}
	return nil
}

// MaxTokensRule limits query size by token count
type MaxTokensRule struct {
	BaseRule
	maxTokens int
}

// NewMaxTokensRule creates a new max tokens validation rule
func NewMaxTokensRule(maxTokens int) ValidationRule {
	return &MaxTokensRule{
		BaseRule:  NewBaseRule("MaxTokensRule"),
		maxTokens: maxTokens,
	}
}

func (r *MaxTokensRule) Validate(ctx *ValidationContext) error {
	tokens := len(strings.Fields(ctx.Query))
	if tokens > r.maxTokens {
		return r.NewErrorf("query contains %d tokens, maximum %d allowed", tokens, r.maxTokens)
	}
	return nil
}

// Preset rule collections for common scenarios

var (
	// SecurityRules provides standard security validation
	// - Max depth: 10
	// - Max complexity: 200
	// - Max aliases: 4
	// - No introspection
	SecurityRules = []ValidationRule{
		NewMaxDepthRule(10),
		NewMaxComplexityRule(200),
		NewMaxAliasesRule(4),
		NewNoIntrospectionRule(),
	}

	// DevelopmentRules provides lenient rules for development
	// - Max depth: 20
	// - Max complexity: 500
	DevelopmentRules = []ValidationRule{
		NewMaxDepthRule(20),
		NewMaxComplexityRule(500),
	}
)

// CombineRules combines multiple rule sets into one
func CombineRules(ruleSets ...[]ValidationRule) []ValidationRule {
	var combined []ValidationRule
	for _, rules := range ruleSets {
		combined = append(combined, rules...)
	}
	return combined
}

// DefaultValidationRules returns the default validation rules
func DefaultValidationRules() []ValidationRule {
	return SecurityRules
}

func calculateQueryDepth(doc *ast.Document) int {
	max := 0
	for _, def := range doc.Definitions {
		var set *ast.SelectionSet
		switch d := def.(type) {
		case *ast.OperationDefinition:
			set = d.SelectionSet
		case *ast.FragmentDefinition:
			set = d.SelectionSet
		}
		if depth := selectionDepth(set); depth > max {
			max = depth
		}
	}
	return max
}

func selectionDepth(set *ast.SelectionSet) int {
	if set == nil {
		return 0
	}
	max := 0
	for _, sel := range set.Selections {
		var child *ast.SelectionSet
		switch s := sel.(type) {
		case *ast.Field:
			child = s.SelectionSet
		case *ast.InlineFragment:
			// Fragments do not add a level of their own
			if depth := selectionDepth(s.SelectionSet); depth > max {
				max = depth
			}
			continue
		default:
			continue
		}
		depth := 1 + selectionDepth(child)
		if depth > max {
			max = depth
		}
	}
	return max
}

// calculateQueryComplexity scores one point per field selection.
func calculateQueryComplexity(doc *ast.Document) int {
	total := 0
	walkFields(doc, func(*ast.Field) {
		total++
	})
	return total
}

func countAliases(doc *ast.Document) int {
	count := 0
	walkFields(doc, func(f *ast.Field) {
		if f.Alias != nil {
			count++
		}
	})
	return count
}

func hasIntrospection(doc *ast.Document) bool {
	found := false
	walkFields(doc, func(f *ast.Field) {
		if f.Name == nil {
			return
		}
		if f.Name.Value == "__schema" || f.Name.Value == "__type" {
			found = true
		}
	})
	return found
}

func walkFields(doc *ast.Document, visit func(*ast.Field)) {
	var walkSet func(set *ast.SelectionSet)
	walkSet = func(set *ast.SelectionSet) {
		if set == nil {
			return
		}
		for _, sel := range set.Selections {
			switch s := sel.(type) {
			case *ast.Field:
				visit(s)
				walkSet(s.SelectionSet)
			case *ast.InlineFragment:
				walkSet(s.SelectionSet)
			}
		}
	}
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.OperationDefinition:
			walkSet(d.SelectionSet)
		case *ast.FragmentDefinition:
			walkSet(d.SelectionSet)
		}
	}
}
