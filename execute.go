package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// ExecutionArgs is the resolved input of one client operation. An
// OnSubscribe hook may return it fully formed to bypass the default
// parse/validate pipeline.
type ExecutionArgs struct {
	Schema         *graphql.Schema
	Document       *ast.Document
	OperationName  string
	VariableValues map[string]interface{}
	RootValue      interface{}
}

// buildExecutionArgs parses and validates the subscribe payload against the
// configured schema. Validation failures are returned as formatted errors
// for an "error" frame, not as a transport failure.
func (s *Server) buildExecutionArgs(ctx context.Context, sock *Socket, payload *SubscribePayload) (*ExecutionArgs, []gqlerrors.FormattedError, error) {
	schema, err := s.schemaFor(ctx, sock, payload)
	if err != nil {
		return nil, nil, err
	}
	if schema == nil {
		return nil, nil, fmt.Errorf("no schema configured")
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(payload.Query)}),
	})
	if err != nil {
		return nil, []gqlerrors.FormattedError{gqlerrors.FormatError(err)}, nil
	}

	if len(s.opts.ValidationRules) > 0 {
		cc, _ := sock.Context(ctx)
		vctx := &ValidationContext{
			Query:     payload.Query,
			Document:  doc,
			Schema:    schema,
			Variables: payload.Variables,
		}
		if cc != nil && !IsUndefined(cc.ConnectionParams) {
			vctx.ConnectionParams = cc.ConnectionParams
		}
		if ruleErr := ExecuteRules(s.opts.ValidationRules, vctx); ruleErr != nil {
			return nil, []gqlerrors.FormattedError{gqlerrors.FormatError(ruleErr)}, nil
		}
	}

	if s.opts.Validate != nil {
		if errs := s.opts.Validate(schema, doc); len(errs) > 0 {
			return nil, errs, nil
		}
	} else {
		result := graphql.ValidateDocument(schema, doc, nil)
		if !result.IsValid {
			return nil, result.Errors, nil
		}
	}

	return &ExecutionArgs{
		Schema:         schema,
		Document:       doc,
		OperationName:  payload.OperationName,
		VariableValues: payload.Variables,
	}, nil, nil
}

func (s *Server) schemaFor(ctx context.Context, sock *Socket, payload *SubscribePayload) (*graphql.Schema, error) {
	if s.opts.SchemaFn != nil {
		return s.opts.SchemaFn(ctx, sock, payload)
	}
	return s.opts.Schema, nil
}

// operationDefinition picks the operation the client named, or the only one
// present. A nil return means the operation cannot be identified.
func operationDefinition(doc *ast.Document, operationName string) *ast.OperationDefinition {
	var found *ast.OperationDefinition
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if operationName == "" {
			if found != nil {
				return nil // ambiguous
			}
			found = op
			continue
		}
		if op.Name != nil && op.Name.Value == operationName {
			return op
		}
	}
	return found
}

// resolveSubscriptionField resolves exactly the root subscription field with
// (rootValue, args, contextValue, resolveInfo) and returns its result. This
// deliberately never enters the executor's subscribe-iterator path: there is
// no event stream in a stateless invocation, only a registrable channel or
// an immediate value.
func resolveSubscriptionField(ctx context.Context, args *ExecutionArgs, op *ast.OperationDefinition) (result interface{}, fieldName string, err error) {
	fieldAST := rootField(op)
	if fieldAST == nil {
		return nil, "", fmt.Errorf("subscription has no root field")
	}
	fieldName = fieldAST.Name.Value

	subType := args.Schema.SubscriptionType()
	if subType == nil {
		return nil, fieldName, fmt.Errorf("schema defines no subscription type")
	}
	fieldDef, ok := subType.Fields()[fieldName]
	if !ok {
		return nil, fieldName, fmt.Errorf("unknown subscription field %q", fieldName)
	}

	params := graphql.ResolveParams{
		Source:  args.RootValue,
		Args:    coerceArgumentValues(fieldDef.Args, fieldAST.Arguments, args.VariableValues),
		Context: ctx,
		Info: graphql.ResolveInfo{
			FieldName:      fieldName,
			FieldASTs:      []*ast.Field{fieldAST},
			ReturnType:     fieldDef.Type,
			ParentType:     subType,
			Schema:         *args.Schema,
			RootValue:      args.RootValue,
			Operation:      op,
			VariableValues: args.VariableValues,
		},
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription resolver panic: %v", r)
		}
	}()

	resolve := fieldDef.Subscribe
	if resolve == nil {
		resolve = graphql.DefaultResolveFn
	}
	result, err = resolve(params)
	return result, fieldName, err
}

func rootField(op *ast.OperationDefinition) *ast.Field {
	if op.SelectionSet == nil {
		return nil
	}
	for _, sel := range op.SelectionSet.Selections {
		if field, ok := sel.(*ast.Field); ok {
			return field
		}
	}
	return nil
}

// coerceArgumentValues builds the resolver argument map from the field's
// AST arguments, falling back to argument defaults. Variables resolve from
// the operation's variable values.
func coerceArgumentValues(defs []*graphql.Argument, args []*ast.Argument, variables map[string]interface{}) map[string]interface{} {
	coerced := make(map[string]interface{}, len(defs))
	byName := make(map[string]*ast.Argument, len(args))
	for _, a := range args {
		if a.Name != nil {
			byName[a.Name.Value] = a
		}
	}
	for _, def := range defs {
		if arg, ok := byName[def.Name()]; ok {
			if v, ok := valueFromAST(arg.Value, variables); ok {
				coerced[def.Name()] = v
				continue
			}
		}
		if def.DefaultValue != nil {
			coerced[def.Name()] = def.DefaultValue
		}
	}
	return coerced
}

func valueFromAST(value ast.Value, variables map[string]interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case *ast.Variable:
		if v.Name == nil {
			return nil, false
		}
		val, ok := variables[v.Name.Value]
		return val, ok
	case *ast.IntValue:
		n, err := strconv.Atoi(v.Value)
		if err != nil {
			return nil, false
		}
		return n, true
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case *ast.StringValue:
		return v.Value, true
	case *ast.BooleanValue:
		return v.Value, true
	case *ast.EnumValue:
		return v.Value, true
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for _, elem := range v.Values {
			ev, ok := valueFromAST(elem, variables)
			if !ok {
				return nil, false
			}
			out = append(out, ev)
		}
		return out, true
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, field := range v.Fields {
			if field.Name == nil {
				continue
			}
			fv, ok := valueFromAST(field.Value, variables)
			if !ok {
				return nil, false
			}
			out[field.Name.Value] = fv
		}
		return out, true
	default:
		return nil, false
	}
}
