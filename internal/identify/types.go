// Package identify detects a model weight file's on-disk format, its
// likely model type/family, and the security tier that format implies.
// Detection runs in two stages: cheap magic-byte sniffing
// on the first 64 bytes, then a format-specific deep parse (GGUF metadata
// walk, or Safetensors tensor-name scoring) for type/family inference.
package identify

import "strings"

// Format is the on-disk container format of a model weight file.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatGGML        Format = "ggml"
	FormatPickle      Format = "pickle"
	FormatSafetensors Format = "safetensors"
	FormatONNX        Format = "onnx"
	FormatUnknown     Format = "unknown"
)

// SecurityTier classifies how safe a format is to load without review.
type SecurityTier string

const (
	SecuritySafe    SecurityTier = "safe"
	SecurityUnsafe  SecurityTier = "unsafe"
	SecurityUnknown SecurityTier = "unknown"
)

// TierForFormat returns the security tier implied by a detected format.
func TierForFormat(f Format) SecurityTier {
	switch f {
	case FormatSafetensors, FormatGGUF, FormatGGML, FormatONNX:
		return SecuritySafe
	case FormatPickle:
		return SecurityUnsafe
	default:
		return SecurityUnknown
	}
}

// ModelType is the coarse kind of workload a model serves.
type ModelType string

const (
	ModelLLM       ModelType = "llm"
	ModelDiffusion ModelType = "diffusion"
	ModelEmbedding ModelType = "embedding"
	ModelAudio     ModelType = "audio"
	ModelVision    ModelType = "vision"
	ModelUnknown   ModelType = "unknown"
)

// Result is the outcome of identifying a model file.
type Result struct {
	Format    Format
	ModelType ModelType
	Family    string
	Extra     map[string]string
}

// Family name constants for the known architecture/family keyword list.
const (
	FamilyMistral = "mistral"
	FamilyGemma   = "gemma"
	FamilyPhi     = "phi"
	FamilyQwen    = "qwen"
	FamilyFalcon  = "falcon"
	FamilyBert    = "bert"
	FamilyLlama   = "llama"

	FamilySDXL            = "sdxl"
	FamilyFlux            = "flux"
	FamilyKolors          = "kolors"
	FamilyPixart          = "pixart"
	FamilyStableDiffusion = "stable-diffusion"

	FamilyWhisper   = "whisper"
	FamilyEncodec   = "encodec"
	FamilyMusicgen  = "musicgen"
	FamilyBark      = "bark"
	FamilyWav2Vec   = "wav2vec"

	FamilyCLIP   = "clip"
	FamilySigLIP = "siglip"
	FamilyViT    = "vit"
	FamilyDinoV2 = "dinov2"
	FamilySwin   = "swin"
)

func lowerContainsAny(s string, needles ...string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
