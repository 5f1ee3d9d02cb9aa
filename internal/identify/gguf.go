package identify

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pumas-run/pumas/internal/perrors"
)

type ggufMetadata struct {
	architecture string
	name         string
	basename     string
	modelType    string
}

func (m *ggufMetadata) complete() bool {
	return m.architecture != "" && m.name != "" && m.basename != "" && m.modelType != ""
}

var ggufTargetKeys = map[string]bool{
	"general.architecture": true,
	"general.name":         true,
	"general.basename":     true,
	"general.type":         true,
}

const ggufStringType = 8

func identifyGGUF(r io.Reader, path string) (Result, error) {
	header := make([]byte, 24)
	if _, err := io.ReadFull(r, header); err != nil {
		return Result{}, perrors.Io("identify.identifyGGUF", path, err)
	}

	version := binary.LittleEndian.Uint32(header[4:8])
	metadataCount := binary.LittleEndian.Uint64(header[16:24])

	res := Result{
		Format:    FormatGGUF,
		ModelType: ModelUnknown,
		Extra:     map[string]string{"gguf_version": fmt.Sprint(version)},
	}

	meta, err := extractGGUFKeyMetadata(r, metadataCount)
	if err != nil {
		// A malformed metadata section still yields a usable format
		// verdict; the model type just stays Unknown.
		return res, nil
	}

	if meta.architecture != "" {
		res.Family = meta.architecture
		res.Extra["architecture"] = meta.architecture
	}
	if meta.name != "" {
		res.Extra["name"] = meta.name
	}
	if meta.basename != "" {
		res.Extra["basename"] = meta.basename
	}

	res.ModelType = detectModelTypeFromGGUFMetadata(meta)
	return res, nil
}

// extractGGUFKeyMetadata walks up to min(metadataCount, 1000) key/value
// pairs looking for general.architecture/name/basename/type, skipping
// every other value by its declared type.
func extractGGUFKeyMetadata(r io.Reader, metadataCount uint64) (ggufMetadata, error) {
	var meta ggufMetadata

	limit := metadataCount
	if limit > maxGGUFMetadataWalk {
		limit = maxGGUFMetadataWalk
	}

	for i := uint64(0); i < limit; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			break
		}

		var typeBuf [4]byte
		if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
			break
		}
		valueType := binary.LittleEndian.Uint32(typeBuf[:])

		if ggufTargetKeys[key] && valueType == ggufStringType {
			value, err := readGGUFString(r)
			if err != nil {
				break
			}
			switch key {
			case "general.architecture":
				meta.architecture = value
			case "general.name":
				meta.name = value
			case "general.basename":
				meta.basename = value
			case "general.type":
				meta.modelType = value
			}
		} else {
			if err := skipGGUFValue(r, valueType, 0); err != nil {
				break
			}
		}

		if meta.complete() {
			break
		}
	}

	return meta, nil
}

func readGGUFString(r io.Reader) (string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])
	if length > maxGGUFStringLen {
		return "", fmt.Errorf("gguf string too long: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func skipGGUFValue(r io.Reader, valueType uint32, depth int) error {
	if depth > maxGGUFArrayDepth {
		return fmt.Errorf("gguf array nesting too deep")
	}

	switch valueType {
	case 0, 1, 7: // uint8, int8, bool
		return discard(r, 1)
	case 2, 3: // uint16, int16
		return discard(r, 2)
	case 4, 5, 6: // uint32, int32, float32
		return discard(r, 4)
	case 10, 11, 12: // uint64, int64, float64
		return discard(r, 8)
	case 8: // string
		_, err := readGGUFString(r)
		return err
	case 9: // array
		var typeBuf [4]byte
		if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
			return err
		}
		elemType := binary.LittleEndian.Uint32(typeBuf[:])

		var lenBuf [8]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return err
		}
		arrayLen := binary.LittleEndian.Uint64(lenBuf[:])

		for i := uint64(0); i < arrayLen; i++ {
			if err := skipGGUFValue(r, elemType, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown gguf value type %d", valueType)
	}
}

func discard(r io.Reader, n int) error {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return err
}

var ggufAudioArchitectures = map[string]bool{
	"whisper": true, "encodec": true, "wav2vec": true, "wav2vec2": true,
	"hubert": true, "wavlm": true, "bark": true, "musicgen": true,
	"seamless_m4t": true,
}

var ggufVisionArchitectures = map[string]bool{
	"clip": true, "vit": true, "siglip": true, "dinov2": true,
	"swin": true, "convnext": true, "deit": true, "beit": true,
	"mobilevlm": true,
}

var ggufDiffusionArchitectures = map[string]bool{
	"stable-diffusion": true, "stable_diffusion": true, "sdxl": true,
	"sd3": true, "flux": true, "pixart": true, "kandinsky": true,
}

// detectModelTypeFromGGUFMetadata runs an ordered inference: architecture
// match, then name/basename keyword scan, then default to LLM.
func detectModelTypeFromGGUFMetadata(meta ggufMetadata) ModelType {
	if meta.architecture != "" {
		arch := lowerASCII(meta.architecture)
		if ggufAudioArchitectures[arch] {
			return ModelAudio
		}
		if ggufVisionArchitectures[arch] {
			return ModelVision
		}
		if ggufDiffusionArchitectures[arch] {
			return ModelDiffusion
		}
	}

	check := func(s string) (ModelType, bool) {
		if lowerContainsAny(s, "embedding", "embed-") {
			return ModelEmbedding, true
		}
		if lowerContainsAny(s, "whisper", "tts", "speech", "audio", "bark", "musicgen", "encodec") {
			return ModelAudio, true
		}
		if lowerContainsAny(s, "vision", "-vit-", "clip", "siglip") {
			return ModelVision, true
		}
		if lowerContainsAny(s, "diffusion", "flux", "sdxl", "stable-diffusion", "unet") {
			return ModelDiffusion, true
		}
		return "", false
	}

	if meta.basename != "" {
		if t, ok := check(meta.basename); ok {
			return t
		}
	}
	if meta.name != "" {
		if t, ok := check(meta.name); ok {
			return t
		}
	}

	return ModelLLM
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
