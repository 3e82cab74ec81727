package graph

import (
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// DateTimeLayout is the wire format of the DateTime scalar: minute
// precision, no zone designator, always UTC.
const DateTimeLayout = "2006-01-02T15:04"

// DateTime is the scalar the generator assigns to time.Time struct fields.
// Values serialize to UTC in DateTimeLayout; inputs parse from the same
// layout. Anything else serializes to null.
var DateTime = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "DateTime",
	Description: "A point in time, formatted as yyyy-MM-dd'T'HH:mm in UTC",
	Serialize:   serializeDateTime,
	ParseValue:  parseDateTime,
	ParseLiteral: func(valueAST ast.Value) interface{} {
		if v, ok := valueAST.(*ast.StringValue); ok {
			return parseDateTime(v.Value)
		}
		return nil
	},
})

func serializeDateTime(value interface{}) interface{} {
	switch t := value.(type) {
	case time.Time:
		return t.UTC().Format(DateTimeLayout)
	case *time.Time:
		if t != nil {
			return t.UTC().Format(DateTimeLayout)
		}
	}
	return nil
}

func parseDateTime(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(DateTimeLayout, s)
	if err != nil {
		return nil
	}
	return t.UTC()
}
