package graph

import (
	"testing"
	"time"

	"github.com/graphql-go/graphql"
)

type orderEvent struct {
	ID        string                 `json:"id" graphql:"required"`
	Amount    float64                `json:"amount"`
	Count     int                    `json:"count"`
	Paid      bool                   `json:"paid"`
	Tags      []string               `json:"tags"`
	Meta      map[string]interface{} `json:"meta"`
	CreatedAt time.Time              `json:"createdAt"`
	Secret    string                 `json:"-"`
	internal  string
}

func TestGenerateGraphQLFields(t *testing.T) {
	fields := GenerateGraphQLFields[orderEvent]()

	if _, exists := fields["Secret"]; exists {
		t.Error("json:\"-\" field generated")
	}
	if _, exists := fields["internal"]; exists {
		t.Error("unexported field generated")
	}

	if _, ok := fields["id"].Type.(*graphql.NonNull); !ok {
		t.Errorf("id type = %v, want NonNull from graphql:\"required\"", fields["id"].Type)
	}
	if fields["amount"].Type != graphql.Float {
		t.Errorf("amount type = %v", fields["amount"].Type)
	}
	if fields["count"].Type != graphql.Int {
		t.Errorf("count type = %v", fields["count"].Type)
	}
	if fields["paid"].Type != graphql.Boolean {
		t.Errorf("paid type = %v", fields["paid"].Type)
	}
	if _, ok := fields["tags"].Type.(*graphql.List); !ok {
		t.Errorf("tags type = %v, want List", fields["tags"].Type)
	}
	if fields["createdAt"].Type != DateTime {
		t.Errorf("createdAt type = %v, want DateTime", fields["createdAt"].Type)
	}
}

func TestGeneratedFieldResolvesMapSource(t *testing.T) {
	fields := GenerateGraphQLFields[orderEvent]()

	// Payloads published as JSON arrive as decoded maps
	got, err := fields["amount"].Resolve(graphql.ResolveParams{
		Source: map[string]interface{}{"amount": 12.5},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 12.5 {
		t.Errorf("resolved %v", got)
	}
}

func TestGeneratedFieldResolvesStructSource(t *testing.T) {
	fields := GenerateGraphQLFields[orderEvent]()

	src := &orderEvent{Amount: 3.5}
	got, err := fields["amount"].Resolve(graphql.ResolveParams{Source: src})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 3.5 {
		t.Errorf("resolved %v", got)
	}
}

type auditStamp struct {
	CreatedBy string `json:"createdBy"`
}

type auditedEvent struct {
	auditStamp
	CreatedBy string `json:"createdBy"` // shadows the embedded field
	Name      string `json:"name"`
}

func TestGenerateFieldsFlattensEmbedded(t *testing.T) {
	fields := GenerateGraphQLFields[auditedEvent]()

	if _, exists := fields["createdBy"]; !exists {
		t.Fatal("embedded field missing")
	}
	if _, exists := fields["name"]; !exists {
		t.Fatal("own field missing")
	}

	// The outer struct's field wins over the embedded one
	got, err := fields["createdBy"].Resolve(graphql.ResolveParams{
		Source: auditedEvent{auditStamp: auditStamp{CreatedBy: "inner"}, CreatedBy: "outer"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "outer" {
		t.Errorf("createdBy = %v", got)
	}
}

func TestRegisterObjectTypeDeduplicates(t *testing.T) {
	calls := 0
	factory := func() *graphql.Object {
		calls++
		return graphql.NewObject(graphql.ObjectConfig{
			Name:   "RegistryProbe",
			Fields: graphql.Fields{"id": {Type: graphql.String}},
		})
	}

	first := RegisterObjectType("RegistryProbe", factory)
	second := RegisterObjectType("RegistryProbe", factory)

	if first != second {
		t.Error("registry returned distinct types for the same name")
	}
	if calls != 1 {
		t.Errorf("factory called %d times", calls)
	}
}

func TestFieldNameDerivation(t *testing.T) {
	type named struct {
		UserName string
		Custom   string `graphql:"renamed"`
		Tagged   string `json:"fromJson" graphql:"ignored"`
	}

	fields := GenerateGraphQLFields[named]()
	for _, want := range []string{"userName", "renamed", "fromJson"} {
		if _, exists := fields[want]; !exists {
			t.Errorf("field %q missing, have %v", want, fieldNames(fields))
		}
	}
}

func fieldNames(fields graphql.Fields) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}
