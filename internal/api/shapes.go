package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// shape is one known layout of a remote payload: a jq path that locates the
// interesting value inside the response document. Shapes are tried in a fixed
// priority order and the first one that yields the expected kind of value wins.
type shape struct {
	name string
	code *gojq.Code
}

func mustShapes(paths ...string) []shape {
	shapes := make([]shape, 0, len(paths))
	for _, p := range paths {
		q, err := gojq.Parse(p)
		if err != nil {
			panic(fmt.Sprintf("invalid shape %q: %v", p, err))
		}
		code, err := gojq.Compile(q)
		if err != nil {
			panic(fmt.Sprintf("invalid shape %q: %v", p, err))
		}
		shapes = append(shapes, shape{name: p, code: code})
	}
	return shapes
}

var (
	// contact create responses observed across server versions
	contactShapes = mustShapes(".", ".contact", ".payload.contact", ".payload")

	conversationShapes = mustShapes(".", ".payload", ".conversation")

	conversationListShapes = mustShapes(
		".", ".data.payload", ".data", ".payload.data", ".payload.conversations", ".payload",
	)

	messageShapes = mustShapes(".", ".payload", ".message")

	messageListShapes = mustShapes(".payload", ".", ".data")

	contactListShapes = mustShapes(".payload", ".data", ".")

	agentListShapes = mustShapes(".", ".data", ".payload")
)

// locate runs the shape against doc and returns the single value it yields.
// A runtime error (e.g. indexing an array with a key) means "not this shape".
func (s shape) locate(doc any) (any, bool) {
	iter := s.code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	return v, true
}

func parseDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unexpected API response format (JSON decode failed): %w", err)
	}
	return doc, nil
}

func remarshal(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// decodeObject finds the first shape yielding an object with a non-zero
// numeric id and decodes it into T. It returns the matching shape name.
func decodeObject[T any](raw []byte, shapes []shape) (T, string, error) {
	var zero T
	doc, err := parseDocument(raw)
	if err != nil {
		return zero, "", err
	}
	for _, s := range shapes {
		v, ok := s.locate(doc)
		if !ok {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok || !hasNumericID(obj) {
			continue
		}
		var out T
		if err := remarshal(obj, &out); err != nil {
			continue
		}
		return out, s.name, nil
	}
	return zero, "", ErrUnrecognizedShape
}

// decodeList finds the first shape yielding an array and decodes its
// elements into T. An empty body is an empty list.
func decodeList[T any](raw []byte, shapes []shape) ([]T, string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, "", nil
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, "", err
	}
	for _, s := range shapes {
		v, ok := s.locate(doc)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]T, 0, len(arr))
		if err := remarshal(arr, &out); err != nil {
			return nil, s.name, fmt.Errorf("decode %s: %w", s.name, err)
		}
		return out, s.name, nil
	}
	return nil, "", ErrUnrecognizedShape
}

func hasNumericID(obj map[string]any) bool {
	id, ok := obj["id"].(float64)
	return ok && id != 0
}
