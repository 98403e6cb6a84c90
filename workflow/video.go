package workflow

const defaultVideoNegative = "low quality, worst quality, deformed, distorted, disfigured, motion smear, motion artifacts"

func (b *buildContext) videoNegative() string {
	if b.params.NegativePrompt != "" {
		return b.params.NegativePrompt
	}
	return defaultVideoNegative
}

func (b *buildContext) saveVideo(id string, images string, prefix string) {
	b.node(id, "SaveWEBM", map[string]interface{}{
		"images":          link(images, 0),
		"filename_prefix": prefix,
		"codec":           "vp9",
		"fps":             float64(b.spec.FPS),
		"crf":             32.0,
	})
}

func buildLTX(b *buildContext) {
	b.node("1", "CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": "ltx-video-2b-v0.9.5.safetensors",
	})
	b.node("2", "CLIPLoader", map[string]interface{}{
		"clip_name": "t5xxl_fp16.safetensors",
		"type":      "ltxv",
	})
	b.node("3", "CLIPTextEncode", map[string]interface{}{
		"text": b.params.Prompt,
		"clip": link("2", 0),
	})
	b.node("4", "CLIPTextEncode", map[string]interface{}{
		"text": b.videoNegative(),
		"clip": link("2", 0),
	})
	b.node("5", "LTXVConditioning", map[string]interface{}{
		"positive":   link("3", 0),
		"negative":   link("4", 0),
		"frame_rate": float64(b.spec.FPS),
	})
	b.node("6", "EmptyLTXVLatentVideo", map[string]interface{}{
		"width":      b.width,
		"height":     b.height,
		"length":     b.frames,
		"batch_size": 1,
	})
	b.node("7", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        b.spec.Steps,
		"cfg":          b.spec.CFG,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      1.0,
		"model":        link("1", 0),
		"positive":     link("5", 0),
		"negative":     link("5", 1),
		"latent_image": link("6", 0),
	})
	b.node("8", "VAEDecode", map[string]interface{}{
		"samples": link("7", 0),
		"vae":     link("1", 2),
	})
	b.saveVideo("9", "8", "ltx_video")
}

func buildHunyuan(b *buildContext) {
	b.node("1", "UNETLoader", map[string]interface{}{
		"unet_name":    "hunyuan_video_t2v_720p_bf16.safetensors",
		"weight_dtype": "default",
	})
	b.node("2", "DualCLIPLoader", map[string]interface{}{
		"clip_name1": "clip_l.safetensors",
		"clip_name2": "llava_llama3_fp8_scaled.safetensors",
		"type":       "hunyuan_video",
	})
	b.node("3", "VAELoader", map[string]interface{}{
		"vae_name": "hunyuan_video_vae_bf16.safetensors",
	})
	b.node("4", "CLIPTextEncode", map[string]interface{}{
		"text": b.params.Prompt,
		"clip": link("2", 0),
	})
	b.node("5", "FluxGuidance", map[string]interface{}{
		"conditioning": link("4", 0),
		"guidance":     6.0,
	})
	b.node("6", "EmptyHunyuanLatentVideo", map[string]interface{}{
		"width":      b.width,
		"height":     b.height,
		"length":     b.frames,
		"batch_size": 1,
	})
	b.node("7", "ModelSamplingSD3", map[string]interface{}{
		"model": link("1", 0),
		"shift": 7.0,
	})
	// hunyuan is guidance-distilled; the negative branch is zeroed
	b.node("9", "ConditioningZeroOut", map[string]interface{}{
		"conditioning": link("4", 0),
	})
	b.node("8", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        b.spec.Steps,
		"cfg":          b.spec.CFG,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      1.0,
		"model":        link("7", 0),
		"positive":     link("5", 0),
		"negative":     link("9", 0),
		"latent_image": link("6", 0),
	})
	b.node("10", "VAEDecodeTiled", map[string]interface{}{
		"samples":          link("8", 0),
		"vae":              link("3", 0),
		"tile_size":        256,
		"overlap":          64,
		"temporal_size":    64,
		"temporal_overlap": 8,
	})
	b.saveVideo("11", "10", "hunyuan_video")
}

func buildWan(b *buildContext) {
	b.node("1", "UNETLoader", map[string]interface{}{
		"unet_name":    "wan2.1_t2v_1.3B_fp16.safetensors",
		"weight_dtype": "default",
	})
	b.node("2", "CLIPLoader", map[string]interface{}{
		"clip_name": "umt5_xxl_fp8_e4m3fn_scaled.safetensors",
		"type":      "wan",
	})
	b.node("3", "VAELoader", map[string]interface{}{
		"vae_name": "wan_2.1_vae.safetensors",
	})
	b.node("4", "CLIPTextEncode", map[string]interface{}{
		"text": b.params.Prompt,
		"clip": link("2", 0),
	})
	b.node("5", "CLIPTextEncode", map[string]interface{}{
		"text": b.videoNegative(),
		"clip": link("2", 0),
	})
	b.node("6", "EmptyHunyuanLatentVideo", map[string]interface{}{
		"width":      b.width,
		"height":     b.height,
		"length":     b.frames,
		"batch_size": 1,
	})
	b.node("7", "ModelSamplingSD3", map[string]interface{}{
		"model": link("1", 0),
		"shift": 8.0,
	})
	b.node("8", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        b.spec.Steps,
		"cfg":          b.spec.CFG,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      1.0,
		"model":        link("7", 0),
		"positive":     link("4", 0),
		"negative":     link("5", 0),
		"latent_image": link("6", 0),
	})
	b.node("9", "VAEDecode", map[string]interface{}{
		"samples": link("8", 0),
		"vae":     link("3", 0),
	})
	b.saveVideo("10", "9", "wan_video")
}
