package models

import (
	"encoding/json"
	"fmt"
)

// NodeType discriminates decision tree node variants on the wire.
type NodeType string

const (
	NodeTypeCondition NodeType = "condition"
	NodeTypeMessage   NodeType = "message"
	NodeTypeAction    NodeType = "action"
	NodeTypeWebhook   NodeType = "webhook"
	NodeTypeHandover  NodeType = "handover"
)

// Condition evaluation types.
const (
	ConditionContains  = "contains"
	ConditionRegex     = "regex"
	ConditionIntent    = "intent"
	ConditionContext   = "context"
	ConditionSentiment = "sentiment"
)

// DecisionTree is a tenant-authored graph of rule nodes. Exactly one node
// is the designated root; traversal must terminate in a non-condition node
// or fall through to "continue".
type DecisionTree struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Root        string `json:"root"`
	Nodes       []Node `json:"nodes"`
}

// Node is one decision tree node. Concrete variants are ConditionNode,
// MessageNode, ActionNode, WebhookNode and HandoverNode.
type Node interface {
	NodeID() string
	Type() NodeType
}

// ConditionNode routes to the next node of the first matching condition,
// falling back to DefaultNext when nothing matches.
type ConditionNode struct {
	ID          string      `json:"id"`
	Conditions  []Condition `json:"conditions"`
	DefaultNext string      `json:"default_next,omitempty"`
}

func (n *ConditionNode) NodeID() string { return n.ID }
func (n *ConditionNode) Type() NodeType { return NodeTypeCondition }

// Condition is one sub-condition of a condition node. The fields used
// depend on CondType; evaluation is pure and context-only.
type Condition struct {
	CondType      string      `json:"type"`
	NextNode      string      `json:"next_node,omitempty"`
	Keywords      []string    `json:"keywords,omitempty"`
	CaseSensitive bool        `json:"case_sensitive,omitempty"`
	Pattern       string      `json:"pattern,omitempty"`
	Intents       []string    `json:"intents,omitempty"`
	ContextKey    string      `json:"context_key,omitempty"`
	ExpectedValue interface{} `json:"expected_value,omitempty"`
	Operator      string      `json:"operator,omitempty"`
	Sentiment     string      `json:"sentiment,omitempty"`
}

// MessageNode renders a template response. When NextNode is set, traversal
// continues with the rendered message as the new draft response.
type MessageNode struct {
	ID       string                 `json:"id"`
	Message  string                 `json:"message"`
	NextNode string                 `json:"next_node,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (n *MessageNode) NodeID() string { return n.ID }
func (n *MessageNode) Type() NodeType { return NodeTypeMessage }

// ActionNode returns an opaque action type to the caller; a generic
// extension point for custom actions.
type ActionNode struct {
	ID         string                 `json:"id"`
	ActionType string                 `json:"action_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (n *ActionNode) NodeID() string { return n.ID }
func (n *ActionNode) Type() NodeType { return NodeTypeAction }

// WebhookNode asks the caller to invoke a webhook; the engine itself never
// performs the HTTP call.
type WebhookNode struct {
	ID            string                 `json:"id"`
	WebhookURL    string                 `json:"webhook_url"`
	WebhookMethod string                 `json:"webhook_method,omitempty"`
	WebhookData   map[string]interface{} `json:"webhook_data,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (n *WebhookNode) NodeID() string { return n.ID }
func (n *WebhookNode) Type() NodeType { return NodeTypeWebhook }

// HandoverNode transfers the conversation to a human agent.
type HandoverNode struct {
	ID              string                 `json:"id"`
	HandoverMessage string                 `json:"handover_message,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Department      string                 `json:"department,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

func (n *HandoverNode) NodeID() string { return n.ID }
func (n *HandoverNode) Type() NodeType { return NodeTypeHandover }

// nodeEnvelope carries the type discriminator alongside the raw node body.
type nodeEnvelope struct {
	Type NodeType `json:"type"`
}

// UnmarshalJSON decodes a tree whose nodes are discriminated by a "type"
// field. Trees without an explicit "enabled" field are enabled.
func (t *DecisionTree) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Enabled     *bool             `json:"enabled"`
		Root        string            `json:"root"`
		Nodes       []json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Name = raw.Name
	t.Description = raw.Description
	t.Enabled = raw.Enabled == nil || *raw.Enabled
	t.Root = raw.Root
	if t.Root == "" {
		t.Root = "start"
	}

	t.Nodes = make([]Node, 0, len(raw.Nodes))
	for _, body := range raw.Nodes {
		node, err := UnmarshalNode(body)
		if err != nil {
			return err
		}
		t.Nodes = append(t.Nodes, node)
	}
	return nil
}

// MarshalJSON writes nodes back with their "type" discriminator so a tree
// survives a decode/encode round trip.
func (t DecisionTree) MarshalJSON() ([]byte, error) {
	nodes := make([]json.RawMessage, 0, len(t.Nodes))
	for _, node := range t.Nodes {
		body, err := MarshalNode(node)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, body)
	}
	return json.Marshal(struct {
		Name        string            `json:"name"`
		Description string            `json:"description,omitempty"`
		Enabled     bool              `json:"enabled"`
		Root        string            `json:"root"`
		Nodes       []json.RawMessage `json:"nodes"`
	}{t.Name, t.Description, t.Enabled, t.Root, nodes})
}

// UnmarshalNode decodes one node from its JSON body, dispatching on the
// "type" field. An unknown type is an error; callers decide whether that
// is fatal.
func UnmarshalNode(data []byte) (Node, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		env.Type = NodeTypeCondition
	}

	var node Node
	switch env.Type {
	case NodeTypeCondition:
		node = &ConditionNode{}
	case NodeTypeMessage:
		node = &MessageNode{}
	case NodeTypeAction:
		node = &ActionNode{}
	case NodeTypeWebhook:
		node = &WebhookNode{}
	case NodeTypeHandover:
		node = &HandoverNode{}
	default:
		return nil, fmt.Errorf("unknown decision tree node type %q", env.Type)
	}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, err
	}
	return node, nil
}

// MarshalNode encodes a node with its "type" discriminator.
func MarshalNode(node Node) (json.RawMessage, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = node.Type()
	return json.Marshal(fields)
}

// FindNode returns the node with the given id, or nil.
func (t *DecisionTree) FindNode(id string) Node {
	for _, node := range t.Nodes {
		if node.NodeID() == id {
			return node
		}
	}
	return nil
}
