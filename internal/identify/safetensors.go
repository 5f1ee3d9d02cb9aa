package identify

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pumas-run/pumas/internal/perrors"
)

func identifySafetensors(r io.Reader, path string) (Result, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Result{}, perrors.Io("identify.identifySafetensors", path, err)
	}
	headerSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if headerSize > maxSafetensorsHeader {
		return Result{}, fmt.Errorf("identify.identifySafetensors %s: header too large: %d bytes", path, headerSize)
	}

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Result{}, perrors.Io("identify.identifySafetensors", path, err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return Result{Format: FormatSafetensors, ModelType: ModelUnknown}, nil
	}

	tensorNames := make([]string, 0, len(header))
	for k := range header {
		tensorNames = append(tensorNames, k)
	}

	modelType, family := analyzeTensorNames(tensorNames)

	// Directory context overrides below supplement tensor analysis only for
	// an Unknown or Diffusion verdict; they never override an LLM judgment
	// (prevents VLM misclassification).
	if modelType == ModelUnknown || modelType == ModelDiffusion {
		switch {
		case isEmbeddingFromContext(path):
			modelType = ModelEmbedding
		case isAudioFromContext(path):
			modelType = ModelAudio
		case isVisionFromContext(path):
			modelType = ModelVision
		}
	}

	return Result{
		Format:    FormatSafetensors,
		ModelType: modelType,
		Family:    family,
	}, nil
}

var llmPatterns = []string{
	"self_attn", "embed_tokens", "model.layers.", "transformer.h.",
	"attention.wq", "attention.wk", "attention.wv", "feed_forward",
	"mlp.gate", "mlp.up", "mlp.down", "rotary_emb",
}

var diffusionPatterns = []string{
	"down_blocks", "up_blocks", "mid_block", "time_embedding",
	"conv_in", "conv_out", "unet", "vae", "text_encoder",
	"controlnet", "diffusion_model",
}

var embeddingPatterns = []string{"pooler", "sentence_", "dense_layer", "projection"}

var audioPatterns = []string{
	"encoder.conv", "mel_", "audio_encoder", "spectrogram",
	"feature_projection", "masked_spec_embed", "codec",
}

var visionPatterns = []string{
	"vision_model", "visual.", "patch_embed", "cls_token",
	"visual_projection", "image_encoder",
}

// analyzeTensorNames counts tensor-name substring matches against each
// pattern bank (one point per match) and resolves a single model type in
// priority order audio (>3) > vision (>3) > diffusion (>llm and >5) >
// {when llm >5: LLM if lm_head present else embedding if pooling-like
// patterns present else LLM}; if no threshold is met the type is Unknown.
func analyzeTensorNames(tensorNames []string) (ModelType, string) {
	var llmIndicators, diffusionIndicators, embeddingIndicators int
	var audioIndicators, visionIndicators int
	hasLMHead := false

	for _, name := range tensorNames {
		lower := strings.ToLower(name)

		if strings.Contains(lower, "lm_head") {
			hasLMHead = true
			llmIndicators++
		}
		for _, p := range llmPatterns {
			if strings.Contains(lower, p) {
				llmIndicators++
			}
		}
		for _, p := range diffusionPatterns {
			if strings.Contains(lower, p) {
				diffusionIndicators++
			}
		}
		for _, p := range embeddingPatterns {
			if strings.Contains(lower, p) {
				embeddingIndicators++
			}
		}
		for _, p := range audioPatterns {
			if strings.Contains(lower, p) {
				audioIndicators++
			}
		}
		for _, p := range visionPatterns {
			if strings.Contains(lower, p) {
				visionIndicators++
			}
		}
	}

	var modelType ModelType
	switch {
	case audioIndicators > 3:
		modelType = ModelAudio
	case visionIndicators > 3:
		modelType = ModelVision
	case diffusionIndicators > llmIndicators && diffusionIndicators > 5:
		modelType = ModelDiffusion
	case llmIndicators > 5:
		switch {
		case !hasLMHead && embeddingIndicators > 0:
			modelType = ModelEmbedding
		default:
			modelType = ModelLLM
		}
	default:
		modelType = ModelUnknown
	}

	family := detectFamilyFromTensors(tensorNames, modelType)
	return modelType, family
}

func detectFamilyFromTensors(tensorNames []string, modelType ModelType) string {
	names := strings.ToLower(strings.Join(tensorNames, " "))

	switch modelType {
	case ModelLLM, ModelEmbedding:
		switch {
		case strings.Contains(names, "mistral"):
			return FamilyMistral
		case strings.Contains(names, "gemma"):
			return FamilyGemma
		case strings.Contains(names, "phi"):
			return FamilyPhi
		case strings.Contains(names, "qwen"):
			return FamilyQwen
		case strings.Contains(names, "falcon"):
			return FamilyFalcon
		case strings.Contains(names, "bert"):
			return FamilyBert
		case strings.Contains(names, "llama") || strings.Contains(names, "rotary"):
			return FamilyLlama
		}
	case ModelDiffusion:
		switch {
		case strings.Contains(names, "sdxl") || strings.Contains(names, "sd_xl"):
			return FamilySDXL
		case strings.Contains(names, "flux"):
			return FamilyFlux
		case strings.Contains(names, "kolors"):
			return FamilyKolors
		case strings.Contains(names, "pixart"):
			return FamilyPixart
		case strings.Contains(names, "stable_diffusion") || strings.Contains(names, "unet"):
			return FamilyStableDiffusion
		}
	case ModelAudio:
		switch {
		case strings.Contains(names, "whisper"):
			return FamilyWhisper
		case strings.Contains(names, "encodec") || strings.Contains(names, "codec"):
			return FamilyEncodec
		case strings.Contains(names, "musicgen"):
			return FamilyMusicgen
		case strings.Contains(names, "bark"):
			return FamilyBark
		case strings.Contains(names, "wav2vec"):
			return FamilyWav2Vec
		}
	case ModelVision:
		switch {
		case strings.Contains(names, "clip"):
			return FamilyCLIP
		case strings.Contains(names, "siglip"):
			return FamilySigLIP
		case strings.Contains(names, "vit") || strings.Contains(names, "patch_embed"):
			return FamilyViT
		case strings.Contains(names, "dinov2"):
			return FamilyDinoV2
		case strings.Contains(names, "swin"):
			return FamilySwin
		}
	}
	return ""
}

func readJSONIfExists(path string) (map[string]json.RawMessage, bool) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, false
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func jsonString(v map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := v[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isEmbeddingFromContext(path string) bool {
	parent := filepath.Dir(path)
	if _, err := os.Stat(filepath.Join(parent, "config_sentence_transformers.json")); err == nil {
		return true
	}
	return lowerContainsAny(path, "embedding", "embed-")
}

func isAudioFromContext(path string) bool {
	parent := filepath.Dir(path)

	if config, ok := readJSONIfExists(filepath.Join(parent, "config.json")); ok {
		for _, key := range []string{"sample_rate", "audio_channels", "num_audio_channels", "audio_encoder", "mel_channels"} {
			if _, present := config[key]; present {
				return true
			}
		}
		if mt, ok := jsonString(config, "model_type"); ok {
			if lowerContainsAny(mt, "audio", "speech", "whisper", "musicgen", "encodec", "bark") {
				return true
			}
		}
	}

	if preproc, ok := readJSONIfExists(filepath.Join(parent, "preprocessor_config.json")); ok {
		if fe, ok := jsonString(preproc, "feature_extractor_type"); ok {
			if lowerContainsAny(fe, "whisper", "wav2vec", "audio") {
				return true
			}
		}
	}

	return false
}

func isVisionFromContext(path string) bool {
	parent := filepath.Dir(path)

	config, ok := readJSONIfExists(filepath.Join(parent, "config.json"))
	if !ok {
		return false
	}
	for _, key := range []string{"image_size", "patch_size", "vision_config"} {
		if _, present := config[key]; present {
			return true
		}
	}
	if mt, ok := jsonString(config, "model_type"); ok {
		if lowerContainsAny(mt, "vit", "clip", "siglip", "swin", "dinov2", "convnext", "segformer") {
			return true
		}
	}
	return false
}
