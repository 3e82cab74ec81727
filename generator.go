package graph

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/graphql-go/graphql"
)

// Object type registry to avoid duplicate type creation
var (
	typeRegistry   = make(map[string]*graphql.Object)
	typeRegistryMu sync.RWMutex
)

// RegisterObjectType registers a GraphQL object type in the global registry.
// Returns the existing type if already registered, otherwise creates and
// registers a new one.
func RegisterObjectType(name string, typeFactory func() *graphql.Object) *graphql.Object {
	typeRegistryMu.RLock()
	if existingType, exists := typeRegistry[name]; exists {
		typeRegistryMu.RUnlock()
		return existingType
	}
	typeRegistryMu.RUnlock()

	typeRegistryMu.Lock()
	defer typeRegistryMu.Unlock()

	// Double-check in case another goroutine created it
	if existingType, exists := typeRegistry[name]; exists {
		return existingType
	}

	newType := typeFactory()
	typeRegistry[name] = newType
	return newType
}

type FieldGenerator[T any] struct {
	objectTypeName *string
}

func NewFieldGenerator[T any]() *FieldGenerator[T] {
	return &FieldGenerator[T]{}
}

// GenerateGraphQLFields derives graphql.Fields from the exported fields of T.
func GenerateGraphQLFields[T any]() graphql.Fields {
	gen := NewFieldGenerator[T]()
	var instance T
	return gen.generateFields(reflect.TypeOf(instance))
}

// GenerateGraphQLObject derives a named GraphQL object type from T.
func GenerateGraphQLObject[T any](name string) *graphql.Object {
	gen := NewFieldGenerator[T]()
	var instance T
	fields := gen.generateFields(reflect.TypeOf(instance))

	return graphql.NewObject(graphql.ObjectConfig{
		Name:   name,
		Fields: fields,
	})
}

func (g *FieldGenerator[T]) generateFields(t reflect.Type) graphql.Fields {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return graphql.Fields{}
	}

	fields := graphql.Fields{}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Handle embedded (anonymous) fields by flattening them
		if field.Anonymous {
			embeddedType := field.Type
			if embeddedType.Kind() == reflect.Ptr {
				embeddedType = embeddedType.Elem()
			}

			embeddedFields := g.generateFields(embeddedType)
			for name, embeddedField := range embeddedFields {
				// Child fields take precedence
				if _, exists := fields[name]; !exists {
					fields[name] = embeddedField
				}
			}
			continue
		}

		if field.PkgPath != "" {
			continue
		}

		fieldName := g.getFieldName(field)
		if fieldName == "-" {
			continue
		}
		graphqlType := g.getGraphQLType(field.Type, field)
		if graphqlType == nil {
			continue
		}

		description := field.Tag.Get("description")
		fields[fieldName] = &graphql.Field{
			Type:        graphqlType,
			Description: description,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				// Published payloads may arrive as decoded JSON maps
				if m, ok := p.Source.(map[string]interface{}); ok {
					return m[fieldName], nil
				}

				source := reflect.ValueOf(p.Source)
				if source.Kind() == reflect.Ptr {
					source = source.Elem()
				}

				if source.Kind() != reflect.Struct {
					return nil, fmt.Errorf("expected struct, got %v", source.Kind())
				}

				fieldValue := source.FieldByName(field.Name)
				if !fieldValue.IsValid() {
					return nil, nil
				}

				return fieldValue.Interface(), nil
			},
		}
	}

	return fields
}

func (g *FieldGenerator[T]) getGraphQLType(t reflect.Type, field reflect.StructField) graphql.Output {
	isRequired := strings.Contains(field.Tag.Get("graphql"), "required")

	baseType := g.getBaseGraphQLType(t, g.objectTypeName)

	if baseType == nil {
		return nil
	}

	if isRequired {
		return graphql.NewNonNull(baseType)
	}

	return baseType
}

func (g *FieldGenerator[T]) getBaseGraphQLType(t reflect.Type, objectTypeName *string) graphql.Output {
	g.objectTypeName = objectTypeName
	switch t.Kind() {
	case reflect.Ptr:
		return g.getBaseGraphQLType(t.Elem(), objectTypeName)

	case reflect.String:
		return graphql.String

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return graphql.Int

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return graphql.Int

	case reflect.Float32, reflect.Float64:
		return graphql.Float

	case reflect.Bool:
		return graphql.Boolean

	case reflect.Slice, reflect.Array:
		elemType := g.getBaseGraphQLType(t.Elem(), objectTypeName)
		if elemType == nil {
			return nil
		}
		return graphql.NewList(elemType)

	case reflect.Map:
		return graphql.NewScalar(graphql.ScalarConfig{
			Name: fmt.Sprintf("Map_%s", t.String()),
			Serialize: func(value interface{}) interface{} {
				return value
			},
		})

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return DateTime
		}
		nameObject := t.Name()
		if g.objectTypeName != nil {
			nameObject = fmt.Sprintf("%s_%s", *g.objectTypeName, t.Name())
		}
		return RegisterObjectType(nameObject, func() *graphql.Object {
			return graphql.NewObject(graphql.ObjectConfig{
				Name: nameObject,
				Fields: (graphql.FieldsThunk)(func() graphql.Fields {
					fields := g.generateFields(t)
					if len(fields) == 0 {
						fields = graphql.Fields{
							"id": &graphql.Field{
								Type:        graphql.String,
								Description: "Placeholder field for " + nameObject,
							},
						}
					}
					return fields
				}),
			})
		})

	case reflect.Interface:
		return graphql.NewScalar(graphql.ScalarConfig{
			Name: "Interface",
			Serialize: func(value interface{}) interface{} {
				return value
			},
		})

	default:
		return nil
	}
}

func (g *FieldGenerator[T]) getFieldName(field reflect.StructField) string {
	jsonTag := field.Tag.Get("json")
	if jsonTag != "" {
		parts := strings.Split(jsonTag, ",")
		if parts[0] != "" {
			return parts[0]
		}
	}

	graphqlTag := field.Tag.Get("graphql")
	if graphqlTag != "" {
		parts := strings.Split(graphqlTag, ",")
		for _, part := range parts {
			if !strings.Contains(part, "=") && part != "required" {
				return part
			}
		}
	}

	return g.toGraphQLFieldName(field.Name)
}

func (g *FieldGenerator[T]) toGraphQLFieldName(name string) string {
	if name == "" {
		return ""
	}

	runes := []rune(name)
	runes[0] = []rune(strings.ToLower(string(runes[0])))[0]
	return string(runes)
}
