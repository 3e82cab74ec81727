package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// undefinedValue is the type of the Undefined sentinel.
type undefinedValue struct{}

// Undefined marks a context value that is present in the flattened layout but
// carries no value, as distinct from null (Go nil). It appears as a sparse
// array placeholder and as the default for an unset connectionParams field.
var Undefined = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Context field values are stored in Redis hashes as strings with a leading
// type tag. A plain string is stored untagged, so ambiguous strings like
// "true" survive a round trip unchanged.
const (
	tagBoolean   = "__boolean__"
	tagNumber    = "__number__"
	tagNull      = "__null__"
	tagUndefined = "__undefined__"
)

// EncodeValue encodes a single context leaf value into its tagged string
// form. Supported leaves are bool, integer and float numbers, string, nil,
// and Undefined; anything else is an input error.
func EncodeValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return tagNull, nil
	case undefinedValue:
		return tagUndefined, nil
	case bool:
		return tagBoolean + strconv.FormatBool(val), nil
	case string:
		return val, nil
	case int:
		return tagNumber + strconv.Itoa(val), nil
	case int8:
		return tagNumber + strconv.FormatInt(int64(val), 10), nil
	case int16:
		return tagNumber + strconv.FormatInt(int64(val), 10), nil
	case int32:
		return tagNumber + strconv.FormatInt(int64(val), 10), nil
	case int64:
		return tagNumber + strconv.FormatInt(val, 10), nil
	case uint:
		return tagNumber + strconv.FormatUint(uint64(val), 10), nil
	case uint8:
		return tagNumber + strconv.FormatUint(uint64(val), 10), nil
	case uint16:
		return tagNumber + strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return tagNumber + strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return tagNumber + strconv.FormatUint(val, 10), nil
	case float32:
		return tagNumber + strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	case float64:
		return tagNumber + strconv.FormatFloat(val, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported context value type %T", v)
	}
}

// DecodeValue is the inverse of EncodeValue. Numbers always decode to
// float64 (JSON semantics). An unknown tag falls back to the raw post-tag
// content; an untagged value is a plain string.
func DecodeValue(s string) interface{} {
	if !strings.HasPrefix(s, "__") {
		return s
	}
	rest := s[2:]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return s
	}
	tag, content := rest[:idx], rest[idx+2:]
	switch tag {
	case "boolean":
		return content == "true"
	case "number":
		f, err := strconv.ParseFloat(content, 64)
		if err != nil {
			return content
		}
		return f
	case "null":
		return nil
	case "undefined":
		return Undefined
	default:
		return content
	}
}

// flatField is one entry of a flattened context tree: a dotted path and its
// tag-encoded value.
type flatField struct {
	Path  string
	Value string
}

// flattenValue appends the flattened form of v rooted at path. Scalars,
// nil, and Undefined produce one entry; maps recurse with "path.field";
// slices recurse with base-10 integer segments. Map keys are visited in
// sorted order so the output is deterministic.
func flattenValue(path string, v interface{}, out *[]flatField) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := flattenValue(path+"."+k, val[k], out); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for i, elem := range val {
			if err := flattenValue(path+"."+strconv.Itoa(i), elem, out); err != nil {
				return err
			}
		}
		return nil
	default:
		encoded, err := EncodeValue(v)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", path, err)
		}
		*out = append(*out, flatField{Path: path, Value: encoded})
		return nil
	}
}

// isIndexSegment reports whether a path segment is a base-10 array index.
func isIndexSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitPath splits a dotted path, dropping empty segments produced by
// double dots.
func splitPath(path string) []string {
	raw := strings.Split(path, ".")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// setPath writes value at the segment path under root, creating nested
// containers as needed, and returns the (possibly replaced) root. Numeric
// segments denote array indices; arrays expand sparsely with Undefined
// placeholders.
func setPath(root interface{}, segs []string, value interface{}) interface{} {
	if len(segs) == 0 {
		return value
	}
	head := segs[0]
	if isIndexSegment(head) {
		idx, _ := strconv.Atoi(head)
		arr, ok := root.([]interface{})
		if !ok {
			arr = nil
		}
		for len(arr) <= idx {
			arr = append(arr, Undefined)
		}
		arr[idx] = setPath(arr[idx], segs[1:], value)
		return arr
	}
	m, ok := root.(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
	}
	m[head] = setPath(m[head], segs[1:], value)
	return m
}

// getPath reads the value at the segment path under root.
func getPath(root interface{}, segs []string) (interface{}, bool) {
	if len(segs) == 0 {
		return root, true
	}
	head := segs[0]
	if isIndexSegment(head) {
		idx, _ := strconv.Atoi(head)
		arr, ok := root.([]interface{})
		if !ok || idx >= len(arr) {
			return nil, false
		}
		return getPath(arr[idx], segs[1:])
	}
	m, ok := root.(map[string]interface{})
	if !ok {
		return nil, false
	}
	child, ok := m[head]
	if !ok {
		return nil, false
	}
	return getPath(child, segs[1:])
}

// delPath removes the value at the segment path under root. Deleting an
// array element leaves an Undefined hole so sibling indices keep their
// positions.
func delPath(root interface{}, segs []string) bool {
	if len(segs) == 0 {
		return false
	}
	if len(segs) == 1 {
		head := segs[0]
		if isIndexSegment(head) {
			idx, _ := strconv.Atoi(head)
			arr, ok := root.([]interface{})
			if !ok || idx >= len(arr) {
				return false
			}
			arr[idx] = Undefined
			return true
		}
		m, ok := root.(map[string]interface{})
		if !ok {
			return false
		}
		if _, exists := m[segs[0]]; !exists {
			return false
		}
		delete(m, segs[0])
		return true
	}
	child, ok := getPath(root, segs[:1])
	if !ok {
		return false
	}
	return delPath(child, segs[1:])
}
