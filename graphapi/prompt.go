package graphapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string                `json:"client_id,omitempty"`
	Nodes     map[string]PromptNode `json:"prompt"`
	ExtraData PromptExtraData       `json:"extra_data"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64, int, int64, bool
	//	string
	//	Link where: [0] is string of the origin node
	//			    [1] is int of the origin slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// Link references output slot of another node in the prompt.
type Link [2]interface{}

// NewLink creates a Link to slot of node id
func NewLink(id string, slot int) Link {
	return Link{id, slot}
}

type PromptExtraData struct {
	PngInfo map[string]interface{} `json:"extra_pnginfo,omitempty"`
}

// NewPrompt returns an empty Prompt ready for nodes to be added.
func NewPrompt() *Prompt {
	return &Prompt{
		Nodes: make(map[string]PromptNode),
	}
}

// AddNode places a node under id, replacing any previous node with the same id.
func (p *Prompt) AddNode(id string, classType string, inputs map[string]interface{}) {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	p.Nodes[id] = PromptNode{ClassType: classType, Inputs: inputs}
}

// GetNode returns the node with id, or nil
func (p *Prompt) GetNode(id string) *PromptNode {
	n, ok := p.Nodes[id]
	if !ok {
		return nil
	}
	return &n
}

// SetInput sets a single input value on an existing node.
func (p *Prompt) SetInput(id string, name string, value interface{}) error {
	n, ok := p.Nodes[id]
	if !ok {
		return fmt.Errorf("prompt has no node %q", id)
	}
	n.Inputs[name] = value
	return nil
}

// NodesWithClass returns the ids of all nodes of classType, sorted numerically.
func (p *Prompt) NodesWithClass(classType string) []string {
	retv := make([]string, 0)
	for id, n := range p.Nodes {
		if n.ClassType == classType {
			retv = append(retv, id)
		}
	}
	sortNodeIDs(retv)
	return retv
}

// SetPngInfo attaches a value that ComfyUI embeds in saved PNG text chunks.
func (p *Prompt) SetPngInfo(key string, value interface{}) {
	if p.ExtraData.PngInfo == nil {
		p.ExtraData.PngInfo = make(map[string]interface{})
	}
	p.ExtraData.PngInfo[key] = value
}

// Validate checks that every link points at an existing node.
func (p *Prompt) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("prompt has no nodes")
	}
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	for _, id := range ids {
		n := p.Nodes[id]
		for name, v := range n.Inputs {
			l, ok := v.(Link)
			if !ok {
				continue
			}
			origin, _ := l[0].(string)
			if _, exists := p.Nodes[origin]; !exists {
				return fmt.Errorf("node %s input %q links to missing node %q", id, name, origin)
			}
		}
	}
	return nil
}

func (p *Prompt) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

func sortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}
