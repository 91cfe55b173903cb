package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"waflow/internal/errors"
	"waflow/internal/models"
)

// Sanitize normalizes an arbitrary flow-definition input (JSON text, raw
// bytes, a decoded map, or an existing definition) into the canonical
// {nodes, edges} shape the executor interprets. Node data is deep-cloned so
// the result is detached from the input. Per-type data constraints are NOT
// checked here; they apply at node execution time.
//
// Sanitize is idempotent: sanitizing an already-sanitized definition yields
// an equal definition.
func Sanitize(input interface{}) (models.FlowDefinition, error) {
	var def models.FlowDefinition

	raw, err := coerceToJSON(input)
	if err != nil {
		return def, errors.NewValidationError("definition", err.Error())
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, errors.NewValidationError("definition", fmt.Sprintf("malformed flow definition: %v", err))
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if strings.TrimSpace(node.ID) == "" {
			return models.FlowDefinition{}, errors.NewValidationError("nodes", fmt.Sprintf("node %d has no id", i))
		}
		if !models.IsValidNodeType(node.Type) {
			return models.FlowDefinition{}, errors.NewValidationError("nodes",
				fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
		}
		if node.Data == nil {
			node.Data = map[string]interface{}{}
		}
		node.Position.X = finiteOrZero(node.Position.X)
		node.Position.Y = finiteOrZero(node.Position.Y)
	}

	for i := range def.Edges {
		edge := &def.Edges[i]
		if edge.ID == "" || edge.Source == "" || edge.Target == "" {
			return models.FlowDefinition{}, errors.NewValidationError("edges",
				fmt.Sprintf("edge %d is missing id, source or target", i))
		}
	}

	if def.Nodes == nil {
		def.Nodes = []models.Node{}
	}
	if def.Edges == nil {
		def.Edges = []models.Edge{}
	}

	return def, nil
}

// coerceToJSON turns any supported input form into a JSON document. Going
// through JSON also deep-clones map inputs.
func coerceToJSON(input interface{}) ([]byte, error) {
	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("definition is empty")
	case []byte:
		if len(v) == 0 {
			return nil, fmt.Errorf("definition is empty")
		}
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, fmt.Errorf("definition is empty")
		}
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("definition is empty")
		}
		return []byte(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("definition is not JSON-encodable: %v", err)
		}
		return raw, nil
	}
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
