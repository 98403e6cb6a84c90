package graphapi

import (
	"encoding/json"
	"sort"
	"strings"
)

// NodeObjects is the catalog returned by ComfyUI's /object_info endpoint.
type NodeObjects struct {
	Objects map[string]*NodeObject
}

// NodeObject represents the metadata that describes how to generate an instance of a node for a graph.
type NodeObject struct {
	Input        *NodeObjectInput `json:"input"`
	Output       *[]string        `json:"output"` // output type
	OutputIsList *[]bool          `json:"output_is_list"`
	OutputName   *[]string        `json:"output_name"`
	Name         string           `json:"name"`
	DisplayName  string           `json:"display_name"`
	Description  string           `json:"description"`
	Category     string           `json:"category"`
	OutputNode   bool             `json:"output_node"`
}

type NodeObjectInput struct {
	Required        map[string]*interface{} `json:"required"`
	Optional        map[string]*interface{} `json:"optional,omitempty"`
	OrderedRequired []string                `json:"-"`
	OrderedOptional []string                `json:"-"`
}

func (noi *NodeObjectInput) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil {
		return err
	} // consume opening brace

	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}

		key := t.(string)
		switch key {
		case "required", "optional":
			if _, err := dec.Token(); err != nil { // consume opening brace of nested object
				return err
			}

			currentMap := make(map[string]*interface{})
			currentOrder := make([]string, 0)
			for dec.More() {
				entryKeyToken, err := dec.Token()
				if err != nil {
					return err
				}

				entryKey := entryKeyToken.(string)
				currentOrder = append(currentOrder, entryKey)

				rawValue := &json.RawMessage{}
				if err := dec.Decode(rawValue); err != nil {
					return err
				}

				var i interface{}
				if err := json.Unmarshal(*rawValue, &i); err != nil {
					return err
				}

				currentMap[entryKey] = &i
			}

			if _, err := dec.Token(); err != nil { // consume closing brace of nested object
				return err
			}

			if key == "required" {
				noi.Required = currentMap
				noi.OrderedRequired = currentOrder
			} else {
				noi.Optional = currentMap
				noi.OrderedOptional = currentOrder
			}
		default:
			if err := dec.Decode(new(interface{})); err != nil { // consume and ignore non-expected field
				return err
			}
		}
	}

	if _, err := dec.Token(); err != nil { // consume closing brace
		return err
	}

	return nil
}

// NewNodeObjectsFromJSON decodes an /object_info response body.
func NewNodeObjectsFromJSON(data []byte) (*NodeObjects, error) {
	result := &NodeObjects{}
	if err := json.Unmarshal(data, &result.Objects); err != nil {
		return nil, err
	}
	return result, nil
}

func (n *NodeObjects) GetNodeObjectByName(name string) *NodeObject {
	val, ok := n.Objects[name]
	if ok {
		return val
	}
	return nil
}

// ComboValues returns the allowed values of a COMBO input, or nil when the
// input is unknown or not a COMBO.
//
// Two encodings exist in the wild:
//
//	"unet_name": [["a.gguf", "b.gguf"]]
//	"unet_name": ["COMBO", {"options": ["a.gguf", "b.gguf"]}]
func (n *NodeObject) ComboValues(input string) []string {
	if n.Input == nil {
		return nil
	}
	spec, ok := n.Input.Required[input]
	if !ok {
		spec, ok = n.Input.Optional[input]
	}
	if !ok || spec == nil {
		return nil
	}
	arr, ok := (*spec).([]interface{})
	if !ok || len(arr) == 0 {
		return nil
	}
	switch first := arr[0].(type) {
	case []interface{}:
		return toStrings(first)
	case string:
		if first != "COMBO" || len(arr) < 2 {
			return nil
		}
		opts, ok := arr[1].(map[string]interface{})
		if !ok {
			return nil
		}
		list, ok := opts["options"].([]interface{})
		if !ok {
			return nil
		}
		return toStrings(list)
	}
	return nil
}

// MissingAsset names a model file referenced by a prompt that the backend does not list.
type MissingAsset struct {
	NodeID    string
	ClassType string
	Input     string
	Value     string
}

// MissingAssets checks every string input of prompt that targets a COMBO
// input ending in "_name" (unet_name, vae_name, lora_name, ckpt_name, ...)
// against the catalog. Node classes absent from the catalog are reported
// with an empty Input.
func (n *NodeObjects) MissingAssets(p *Prompt) []MissingAsset {
	retv := make([]MissingAsset, 0)
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)

	for _, id := range ids {
		pn := p.Nodes[id]
		nobject := n.GetNodeObjectByName(pn.ClassType)
		if nobject == nil {
			retv = append(retv, MissingAsset{NodeID: id, ClassType: pn.ClassType})
			continue
		}
		names := make([]string, 0, len(pn.Inputs))
		for k := range pn.Inputs {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if !strings.HasSuffix(k, "_name") {
				continue
			}
			value, ok := pn.Inputs[k].(string)
			if !ok {
				continue
			}
			allowed := nobject.ComboValues(k)
			if allowed == nil {
				continue
			}
			if !containsString(allowed, value) {
				retv = append(retv, MissingAsset{NodeID: id, ClassType: pn.ClassType, Input: k, Value: value})
			}
		}
	}
	return retv
}

func toStrings(in []interface{}) []string {
	retv := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			retv = append(retv, s)
		}
	}
	return retv
}

func containsString(slice []string, target string) bool {
	for _, item := range slice {
		if item == target {
			return true
		}
	}
	return false
}
