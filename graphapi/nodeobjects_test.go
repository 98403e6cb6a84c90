package graphapi

import (
	"encoding/json"
	"testing"
)

const objectInfoFixture = `{
	"UnetLoaderGGUF": {
		"input": {"required": {"unet_name": [["qwen-image-Q6_K.gguf"]]}},
		"output": ["MODEL"],
		"name": "UnetLoaderGGUF",
		"display_name": "Unet Loader (GGUF)",
		"category": "bootleg",
		"output_node": false
	},
	"VAELoader": {
		"input": {"required": {"vae_name": ["COMBO", {"options": ["qwen_image_vae.safetensors"]}]}},
		"output": ["VAE"],
		"name": "VAELoader",
		"display_name": "Load VAE",
		"category": "loaders",
		"output_node": false
	},
	"SaveImage": {
		"input": {"required": {"images": ["IMAGE"], "filename_prefix": ["STRING", {"default": "ComfyUI"}]}},
		"output": [],
		"name": "SaveImage",
		"display_name": "Save Image",
		"category": "image",
		"output_node": true
	}
}`

func TestNodeObjectInputKeepsOrder(t *testing.T) {
	var input NodeObjectInput
	data := `{"required": {"b": ["INT"], "a": ["FLOAT"], "c": ["STRING"]}, "optional": {"z": ["INT"]}, "hidden": {"x": "y"}}`
	if err := json.Unmarshal([]byte(data), &input); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"b", "a", "c"}
	for i, k := range want {
		if input.OrderedRequired[i] != k {
			t.Fatalf("OrderedRequired[%d] = %q, want %q", i, input.OrderedRequired[i], k)
		}
	}
	if len(input.OrderedOptional) != 1 || input.OrderedOptional[0] != "z" {
		t.Fatalf("unexpected optional order %v", input.OrderedOptional)
	}
}

func TestComboValuesBothEncodings(t *testing.T) {
	objs, err := NewNodeObjectsFromJSON([]byte(objectInfoFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	unet := objs.GetNodeObjectByName("UnetLoaderGGUF").ComboValues("unet_name")
	if len(unet) != 1 || unet[0] != "qwen-image-Q6_K.gguf" {
		t.Fatalf("unexpected legacy combo values %v", unet)
	}
	vae := objs.GetNodeObjectByName("VAELoader").ComboValues("vae_name")
	if len(vae) != 1 || vae[0] != "qwen_image_vae.safetensors" {
		t.Fatalf("unexpected COMBO option values %v", vae)
	}
	if v := objs.GetNodeObjectByName("SaveImage").ComboValues("filename_prefix"); v != nil {
		t.Fatalf("expected nil for non-combo input, got %v", v)
	}
}

func TestMissingAssets(t *testing.T) {
	objs, err := NewNodeObjectsFromJSON([]byte(objectInfoFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := NewPrompt()
	p.AddNode("5", "UnetLoaderGGUF", map[string]interface{}{"unet_name": "qwen-image-edit-2511-Q4_K_M.gguf"})
	p.AddNode("6", "VAELoader", map[string]interface{}{"vae_name": "qwen_image_vae.safetensors"})
	p.AddNode("20", "CustomNodeNobodyInstalled", nil)

	missing := objs.MissingAssets(p)
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing entries, got %+v", missing)
	}
	if missing[0].NodeID != "5" || missing[0].Value != "qwen-image-edit-2511-Q4_K_M.gguf" {
		t.Fatalf("unexpected first entry %+v", missing[0])
	}
	if missing[1].NodeID != "20" || missing[1].Input != "" {
		t.Fatalf("unexpected second entry %+v", missing[1])
	}
}

func TestPromptValidateLinks(t *testing.T) {
	p := NewPrompt()
	p.AddNode("10", "VAEDecode", map[string]interface{}{"samples": NewLink("8", 0)})
	if err := p.Validate(); err == nil {
		t.Fatal("expected dangling link error")
	}
	p.AddNode("8", "KSampler", nil)
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := p.ToJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	nodes := decoded["prompt"].(map[string]interface{})
	link := nodes["10"].(map[string]interface{})["inputs"].(map[string]interface{})["samples"].([]interface{})
	if link[0] != "8" || link[1].(float64) != 0 {
		t.Fatalf("link serialized as %v", link)
	}
}
