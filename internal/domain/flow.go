package domain

import (
	"encoding/json"
	"fmt"
)

// NodeType enumerates the dialogue node kinds. The evaluator switches over
// these exhaustively; an unknown type is a load-time error, never a runtime
// string comparison.
type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeStart
	NodeTypeConversation
	NodeTypeCollectInput
	NodeTypeExtractVariable
	NodeTypeFunctionCall
	NodeTypeLogicSplit
	NodeTypePressDigit
	NodeTypeTransfer
	NodeTypeEnding
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeStart:           "start",
	NodeTypeConversation:    "conversation",
	NodeTypeCollectInput:    "collectInput",
	NodeTypeExtractVariable: "extractVariable",
	NodeTypeFunctionCall:    "functionCall",
	NodeTypeLogicSplit:      "logicSplit",
	NodeTypePressDigit:      "pressDigit",
	NodeTypeTransfer:        "transfer",
	NodeTypeEnding:          "ending",
}

func (t NodeType) String() string {
	if s, ok := nodeTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseNodeType maps a stored type string to its enum value.
func ParseNodeType(s string) (NodeType, error) {
	for t, name := range nodeTypeNames {
		if name == s {
			return t, nil
		}
	}
	return NodeTypeUnknown, fmt.Errorf("unknown node type %q", s)
}

func (t NodeType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *NodeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNodeType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ContentMode says whether a node speaks a fixed script or prompt-generated
// text.
type ContentMode string

const (
	ContentModeScript          ContentMode = "script"
	ContentModePromptGenerated ContentMode = "promptGenerated"
)

// Transition is one candidate edge out of a node. RequiredVariables gate the
// transition: it is excluded from evaluation until every named variable has
// been extracted.
type Transition struct {
	Condition         string   `json:"condition"`
	TargetNodeID      string   `json:"target_node_id"`
	RequiredVariables []string `json:"required_variables,omitempty"`
}

// FlowNode is immutable once the graph is loaded.
type FlowNode struct {
	ID          string       `json:"id"`
	Type        NodeType     `json:"type"`
	ContentMode ContentMode  `json:"content_mode"`
	Content     string       `json:"content"`
	Goal        string       `json:"goal,omitempty"`
	Transitions []Transition `json:"transitions"`

	// Variables name slots to extract from the next utterance. The node
	// blocks on these; OptionalVariables are extracted without blocking.
	Variables         []string `json:"variables,omitempty"`
	OptionalVariables []string `json:"optional_variables,omitempty"`

	// Digits is the DTMF sequence sent by pressDigit nodes.
	Digits string `json:"digits,omitempty"`
	// TransferTo is the destination number for transfer nodes.
	TransferTo string `json:"transfer_to,omitempty"`
	// FunctionURL is the external endpoint invoked by functionCall nodes.
	FunctionURL string `json:"function_url,omitempty"`
}

// FlowGraph is the loaded-once dialogue graph for an agent.
type FlowGraph struct {
	ID          string
	StartNodeID string
	nodes       map[string]*FlowNode
}

// NewFlowGraph validates and indexes the node list. Exactly one start node is
// required, and every transition target must exist.
func NewFlowGraph(id string, nodes []*FlowNode) (*FlowGraph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("flow %s: no nodes", id)
	}

	index := make(map[string]*FlowNode, len(nodes))
	start := ""
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("flow %s: node with empty id", id)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %s", id, n.ID)
		}
		index[n.ID] = n
		if n.Type == NodeTypeStart {
			if start != "" {
				return nil, fmt.Errorf("flow %s: multiple start nodes", id)
			}
			start = n.ID
		}
	}
	if start == "" {
		return nil, fmt.Errorf("flow %s: missing start node", id)
	}

	for _, n := range nodes {
		for _, tr := range n.Transitions {
			if _, ok := index[tr.TargetNodeID]; !ok {
				return nil, fmt.Errorf("flow %s: node %s transition targets unknown node %s", id, n.ID, tr.TargetNodeID)
			}
		}
	}

	return &FlowGraph{ID: id, StartNodeID: start, nodes: index}, nil
}

// Node returns the node with the given id, or nil.
func (g *FlowGraph) Node(id string) *FlowNode {
	return g.nodes[id]
}

// Len returns the node count.
func (g *FlowGraph) Len() int { return len(g.nodes) }
