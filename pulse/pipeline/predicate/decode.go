package predicate

import (
	"gopkg.in/yaml.v3"

	"github.com/teranos/conductor/errors"
)

// Condition wraps an Expr so it can be decoded from YAML:
//
//	condition:
//	  all:
//	    - exists: results.fetch
//	    - {path: results.fetch.count, op: gt, value: 0}
//	    - not: {truthy: shared.dry_run}
type Condition struct {
	Expr Expr
}

// UnmarshalYAML implements yaml.Unmarshaler
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	expr, err := Decode(node)
	if err != nil {
		return err
	}
	c.Expr = expr
	return nil
}

// Decode builds an Expr from a YAML node. Unknown forms are validation errors.
func Decode(node *yaml.Node) (Expr, error) {
	if node.Kind != yaml.MappingNode {
		return nil, invalid(node, "condition must be a mapping")
	}

	fields := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		fields[node.Content[i].Value] = node.Content[i+1]
	}

	if _, ok := fields["path"]; ok {
		return decodeCompare(node, fields)
	}
	if len(fields) != 1 {
		return nil, invalid(node, "condition must have exactly one of all, any, not, exists, truthy, or path/op/value")
	}

	for key, value := range fields {
		switch key {
		case "all", "any":
			exprs, err := decodeList(value)
			if err != nil {
				return nil, err
			}
			if key == "all" {
				return And{Exprs: exprs}, nil
			}
			return Or{Exprs: exprs}, nil
		case "not":
			inner, err := Decode(value)
			if err != nil {
				return nil, err
			}
			return Not{Expr: inner}, nil
		case "exists":
			path, err := decodePath(value)
			if err != nil {
				return nil, err
			}
			return Exists{Path: path}, nil
		case "truthy":
			path, err := decodePath(value)
			if err != nil {
				return nil, err
			}
			return Truthy{Path: path}, nil
		default:
			return nil, invalid(node, "unknown condition %q", key)
		}
	}
	return nil, invalid(node, "empty condition")
}

func decodeList(node *yaml.Node) ([]Expr, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, invalid(node, "all/any take a list")
	}
	exprs := make([]Expr, 0, len(node.Content))
	for _, item := range node.Content {
		e, err := Decode(item)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func decodePath(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode || node.Value == "" {
		return "", invalid(node, "path must be a non-empty string")
	}
	if err := checkPath(node.Value); err != nil {
		return "", invalid(node, "%v", err)
	}
	return node.Value, nil
}

func decodeCompare(node *yaml.Node, fields map[string]*yaml.Node) (Expr, error) {
	for key := range fields {
		if key != "path" && key != "op" && key != "value" {
			return nil, invalid(node, "unknown comparison field %q", key)
		}
	}
	path, err := decodePath(fields["path"])
	if err != nil {
		return nil, err
	}
	opNode, ok := fields["op"]
	if !ok {
		return nil, invalid(node, "comparison on %s needs op", path)
	}
	op := Op(opNode.Value)
	if !op.Valid() {
		return nil, invalid(opNode, "unknown operator %q", opNode.Value)
	}
	valueNode, ok := fields["value"]
	if !ok {
		return nil, invalid(node, "comparison on %s needs value", path)
	}
	var value any
	if err := valueNode.Decode(&value); err != nil {
		return nil, invalid(valueNode, "bad value: %v", err)
	}
	return Compare{Path: path, Op: op, Value: value}, nil
}

// checkPath rejects paths that can never resolve
func checkPath(path string) error {
	_, _, err := Lookup(Env{}, path)
	return err
}

func invalid(node *yaml.Node, format string, args ...interface{}) error {
	err := errors.NewValidationError(format, args...)
	return errors.Wrapf(err, "line %d", node.Line)
}
