package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

type nodeKind int

const (
	kindScalar nodeKind = iota
	kindObject
	kindArray
)

// node is an order-preserving document tree shared by the JSON and YAML extractors.
type node struct {
	kind     nodeKind
	keys     []string
	children []*node
	value    string
}

// JSONExtractor flattens a JSON document into "path: value" lines, one section per top-level
// key (or per element of a top-level array).
type JSONExtractor struct{}

func (e *JSONExtractor) Extract(_ context.Context, _ string, content []byte) (Output, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	root, err := decodeJSON(dec)
	if err != nil {
		return Output{}, &UnreadableError{Format: FormatJSON, Reason: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Output{}, &UnreadableError{Format: FormatJSON, Reason: "trailing data after JSON value"}
	}
	return flattenTree(FormatJSON, root)
}

func decodeJSON(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &node{kind: kindObject}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				child, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.children = append(n.children, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '[':
			n := &node{kind: kindArray}
			for dec.More() {
				child, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				n.children = append(n.children, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return &node{value: t}, nil
	case json.Number:
		return &node{value: t.String()}, nil
	case bool:
		return &node{value: strconv.FormatBool(t)}, nil
	case nil:
		return &node{value: "null"}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// YAMLExtractor applies the JSON flattening to YAML documents.
type YAMLExtractor struct{}

func (e *YAMLExtractor) Extract(_ context.Context, _ string, content []byte) (Output, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return Output{}, &UnreadableError{Format: FormatYAML, Reason: "invalid YAML", Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return Output{}, &UnreadableError{Format: FormatYAML, Reason: "document has no values"}
	}
	return flattenTree(FormatYAML, fromYAML(doc.Content[0]))
}

func fromYAML(y *yaml.Node) *node {
	switch y.Kind {
	case yaml.MappingNode:
		n := &node{kind: kindObject}
		for i := 0; i+1 < len(y.Content); i += 2 {
			n.keys = append(n.keys, y.Content[i].Value)
			n.children = append(n.children, fromYAML(y.Content[i+1]))
		}
		return n
	case yaml.SequenceNode:
		n := &node{kind: kindArray}
		for _, c := range y.Content {
			n.children = append(n.children, fromYAML(c))
		}
		return n
	case yaml.AliasNode:
		if y.Alias != nil {
			return fromYAML(y.Alias)
		}
	}
	return &node{value: y.Value}
}

func flattenTree(f Format, root *node) (Output, error) {
	var b builder
	switch root.kind {
	case kindObject:
		for i, key := range root.keys {
			b.blank()
			b.section(key)
			writeNode(&b, key, root.children[i])
		}
	case kindArray:
		for i, child := range root.children {
			b.blank()
			b.section(fmt.Sprintf("Item %d", i+1))
			writeNode(&b, fmt.Sprintf("[%d]", i), child)
		}
	default:
		b.section("Document")
		b.line(root.value)
	}

	if b.sb.Len() == 0 {
		return Output{}, &UnreadableError{Format: f, Reason: "document has no values"}
	}
	return b.output(1), nil
}

func writeNode(b *builder, path string, n *node) {
	switch n.kind {
	case kindObject:
		if len(n.keys) == 0 {
			b.line(path + ": {}")
			return
		}
		for i, key := range n.keys {
			writeNode(b, path+"."+key, n.children[i])
		}
	case kindArray:
		if len(n.children) == 0 {
			b.line(path + ": []")
			return
		}
		for i, child := range n.children {
			writeNode(b, fmt.Sprintf("%s[%d]", path, i), child)
		}
	default:
		b.line(path + ": " + n.value)
	}
}
