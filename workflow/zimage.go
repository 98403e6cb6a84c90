package workflow

const (
	zimageUnet  = "z_image_turbo_bf16.safetensors"
	zimageClip  = "qwen_3_4b.safetensors"
	zimageVAE   = "ae.safetensors"
	zimageShift = 3.0
)

func buildZImageTurbo(b *buildContext) {
	b.node("1", "UNETLoader", map[string]interface{}{
		"unet_name":    zimageUnet,
		"weight_dtype": "default",
	})
	b.node("2", "CLIPLoader", map[string]interface{}{
		"clip_name": zimageClip,
		"type":      "lumina2",
		"device":    "default",
	})
	b.node("3", "VAELoader", map[string]interface{}{
		"vae_name": zimageVAE,
	})
	b.node("4", "ModelSamplingAuraFlow", map[string]interface{}{
		"model": link("1", 0),
		"shift": zimageShift,
	})
	b.node("5", "CLIPTextEncode", map[string]interface{}{
		"text": b.params.Prompt,
		"clip": link("2", 0),
	})
	b.node("6", "CLIPTextEncode", map[string]interface{}{
		"text": b.negative(),
		"clip": link("2", 0),
	})
	b.node("7", "EmptySD3LatentImage", map[string]interface{}{
		"width":      b.width,
		"height":     b.height,
		"batch_size": b.params.BatchSize,
	})
	b.node("8", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        b.spec.Steps,
		"cfg":          b.spec.CFG,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      1.0,
		"model":        link("4", 0),
		"positive":     link("5", 0),
		"negative":     link("6", 0),
		"latent_image": link("7", 0),
	})
	b.node("9", "VAEDecode", map[string]interface{}{
		"samples": link("8", 0),
		"vae":     link("3", 0),
	})
	b.node("10", "SaveImage", map[string]interface{}{
		"filename_prefix": "zimage_" + b.spec.Mode,
		"images":          link("9", 0),
	})
}
