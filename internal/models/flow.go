package models

import "encoding/json"

type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeMessage      NodeType = "message"
	NodeOptions      NodeType = "options"
	NodeDelay        NodeType = "delay"
	NodeCondition    NodeType = "condition"
	NodeAPI          NodeType = "api"
	NodeAssign       NodeType = "assign"
	NodeMedia        NodeType = "media"
	NodeWhatsAppFlow NodeType = "whatsapp_flow"
	NodeHandoff      NodeType = "handoff"
	NodeGoto         NodeType = "goto"
	NodeEnd          NodeType = "end"
)

// NodeTypes lists every node type the executor understands.
var NodeTypes = []NodeType{
	NodeTrigger, NodeMessage, NodeOptions, NodeDelay, NodeCondition,
	NodeAPI, NodeAssign, NodeMedia, NodeWhatsAppFlow, NodeHandoff,
	NodeGoto, NodeEnd,
}

// IsValidNodeType reports whether t is one of the known node types.
func IsValidNodeType(t NodeType) bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a typed step in a flow. Data is type-specific and validated at
// execution time, not at sanitize time. Unknown top-level properties from
// the editor are preserved across round-trips in Extra.
type Node struct {
	ID       string                 `json:"id"`
	Type     NodeType               `json:"type"`
	Data     map[string]interface{} `json:"data"`
	Position Position               `json:"position"`
	Extra    map[string]json.RawMessage
}

var nodeKnownKeys = map[string]bool{
	"id": true, "type": true, "data": true, "position": true,
}

func (n *Node) UnmarshalJSON(raw []byte) error {
	type plain struct {
		ID       string                 `json:"id"`
		Type     NodeType               `json:"type"`
		Data     map[string]interface{} `json:"data"`
		Position Position               `json:"position"`
	}
	var p plain
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	n.ID = p.ID
	n.Type = p.Type
	n.Data = p.Data
	n.Position = p.Position
	n.Extra = nil
	for key, value := range all {
		if nodeKnownKeys[key] {
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]json.RawMessage)
		}
		n.Extra[key] = value
	}
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 4+len(n.Extra))
	out["id"] = n.ID
	out["type"] = n.Type
	out["data"] = n.Data
	out["position"] = n.Position
	for key, value := range n.Extra {
		out[key] = value
	}
	return json.Marshal(out)
}

// Edge connects two nodes. SourceHandle carries dispatch information:
// "true"/"false" for condition nodes, "opt-<i>"/"no-match" for options
// nodes, unused elsewhere.
type Edge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// FlowDefinition is the node-edge graph interpreted by the executor.
type FlowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (d *FlowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns every edge whose source is the given node, in
// definition order.
func (d *FlowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByHandle returns the first outgoing edge of nodeID whose SourceHandle
// equals handle, or nil.
func (d *FlowDefinition) EdgeByHandle(nodeID, handle string) *Edge {
	for i := range d.Edges {
		e := &d.Edges[i]
		if e.Source != nodeID {
			continue
		}
		if e.SourceHandle != nil && *e.SourceHandle == handle {
			return e
		}
	}
	return nil
}

// FirstOutgoingEdge returns the first edge leaving nodeID, or nil.
func (d *FlowDefinition) FirstOutgoingEdge(nodeID string) *Edge {
	for i := range d.Edges {
		if d.Edges[i].Source == nodeID {
			return &d.Edges[i]
		}
	}
	return nil
}
