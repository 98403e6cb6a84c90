package workflow

// Asset file names the Qwen workflows load.
const (
	qwenClip         = "Qwen2.5-VL-7B-Instruct-abliterated.Q6_K.gguf"
	qwenUnet         = "qwen-image-Q6_K.gguf"
	qwenEditUnet     = "qwen-image-edit-2511-Q4_K_M.gguf"
	qwenVAE          = "qwen_image_vae.safetensors"
	qwenLightning    = "Qwen-Image-Lightning-4steps-V1.0.safetensors"
	qwenAnglesLoRA   = "Qwen-Image-Edit-Multiple-Angles-LoRA.safetensors"
	qwenUpscaleLoRA  = "Qwen-Image-Edit-Upscale2K.safetensors"
	defaultNegative  = "blurry, low quality, distorted, deformed"
	anglesStrength   = 0.9
	upscaleStrength  = 1.0
	lightningLoRAStr = 1.0
)

// Edit sampling, plain and with the upscale LoRA.
const (
	editSteps          = 28
	editCFG            = 3.5
	editDenoise        = 0.75
	editUpscaleSteps   = 50
	editUpscaleCFG     = 4.0
	editUpscaleDenoise = 0.6
)

func (b *buildContext) negative() string {
	if b.params.NegativePrompt != "" {
		return b.params.NegativePrompt
	}
	return defaultNegative
}

// qwenCommon adds the text encoder, VAE and prompt encoders shared by the
// generate and edit graphs.
func (b *buildContext) qwenCommon(positive string) {
	b.node("3", "CLIPLoaderGGUF", map[string]interface{}{
		"clip_name": qwenClip,
		"type":      "qwen_image",
	})
	b.node("4", "CLIPTextEncode", map[string]interface{}{
		"text": positive,
		"clip": link("3", 0),
	})
	b.node("6", "VAELoader", map[string]interface{}{
		"vae_name": qwenVAE,
	})
	b.node("9", "CLIPTextEncode", map[string]interface{}{
		"text": b.negative(),
		"clip": link("3", 0),
	})
	b.node("10", "VAEDecode", map[string]interface{}{
		"samples": link("8", 0),
		"vae":     link("6", 0),
	})
}

func buildQwen(b *buildContext) {
	b.qwenCommon(b.params.Prompt)
	b.node("5", "UnetLoaderGGUF", map[string]interface{}{
		"unet_name": qwenUnet,
	})
	b.node("7", "EmptyLatentImage", map[string]interface{}{
		"width":      b.width,
		"height":     b.height,
		"batch_size": b.params.BatchSize,
	})
	b.node("11", "SaveImage", map[string]interface{}{
		"filename_prefix": "qwen_" + b.spec.Mode,
		"images":          link("10", 0),
	})

	model := link("5", 0)
	if b.spec.Model == ModelQwenLightning {
		b.node("12", "LoraLoader", map[string]interface{}{
			"lora_name":      qwenLightning,
			"strength_model": lightningLoRAStr,
			"strength_clip":  lightningLoRAStr,
			"model":          link("5", 0),
			"clip":           link("3", 0),
		})
		model = link("12", 0)
	}

	b.node("8", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        b.spec.Steps,
		"cfg":          b.spec.CFG,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      1.0,
		"model":        model,
		"positive":     link("4", 0),
		"negative":     link("9", 0),
		"latent_image": link("7", 0),
	})
}

// buildQwenEdit re-samples an uploaded image with the edit UNet. Batches are
// produced by repeating the encoded latent.
func buildQwenEdit(b *buildContext) {
	positive := b.params.Prompt
	if b.params.EditLoRA == EditLoRAAngles && b.params.AnglePrompt != "" {
		positive = b.params.AnglePrompt + ", " + positive
	}
	b.qwenCommon(positive)

	b.node("1", "LoadImage", map[string]interface{}{
		"image": b.params.InputImage,
	})
	b.node("5", "UnetLoaderGGUF", map[string]interface{}{
		"unet_name": qwenEditUnet,
	})
	b.node("7", "VAEEncode", map[string]interface{}{
		"pixels": link("1", 0),
		"vae":    link("6", 0),
	})
	b.node("11", "SaveImage", map[string]interface{}{
		"filename_prefix": "qwen_" + ModeEdit,
		"images":          link("10", 0),
	})

	latent := link("7", 0)
	if b.params.BatchSize > 1 {
		b.node("13", "RepeatLatentBatch", map[string]interface{}{
			"samples": link("7", 0),
			"amount":  b.params.BatchSize,
		})
		latent = link("13", 0)
	}

	steps, cfg, denoise := editSteps, editCFG, editDenoise
	model := link("5", 0)
	switch b.params.EditLoRA {
	case EditLoRAAngles:
		b.node("12", "LoraLoaderModelOnly", map[string]interface{}{
			"lora_name":      qwenAnglesLoRA,
			"strength_model": anglesStrength,
			"model":          link("5", 0),
		})
		model = link("12", 0)
	case EditLoRAUpscale:
		b.node("12", "LoraLoaderModelOnly", map[string]interface{}{
			"lora_name":      qwenUpscaleLoRA,
			"strength_model": upscaleStrength,
			"model":          link("5", 0),
		})
		model = link("12", 0)
		steps, cfg, denoise = editUpscaleSteps, editUpscaleCFG, editUpscaleDenoise
	}

	b.node("8", "KSampler", map[string]interface{}{
		"seed":         b.seed,
		"steps":        steps,
		"cfg":          cfg,
		"sampler_name": b.params.Sampler,
		"scheduler":    b.params.Scheduler,
		"denoise":      denoise,
		"model":        model,
		"positive":     link("4", 0),
		"negative":     link("9", 0),
		"latent_image": latent,
	})
}
