package identify

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFormatMagicBytes(t *testing.T) {
	require.Equal(t, FormatGGUF, detectFormat([]byte("GGUF\x00\x00\x00\x00"), ""))
	require.Equal(t, FormatGGML, detectFormat([]byte("lmgg\x00\x00\x00\x00"), ""))
	require.Equal(t, FormatGGML, detectFormat([]byte("ggjt\x00\x00\x00\x00"), ""))
	require.Equal(t, FormatPickle, detectFormat([]byte{0x50, 0x4B, 0x03, 0x04}, ""))
	require.Equal(t, FormatPickle, detectFormat([]byte{0x80, 0x04, 0, 0}, ""))
	require.Equal(t, FormatUnknown, detectFormat([]byte{0x80, 0x01, 0, 0}, ""))
}

func TestDetectFormatSafetensorsShape(t *testing.T) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[:8], 42)
	header[8] = '{'
	require.Equal(t, FormatSafetensors, detectFormat(header, ""))
}

func TestDetectFormatExtensionFallback(t *testing.T) {
	require.Equal(t, FormatONNX, detectFormat([]byte{1, 2, 3, 4}, ".onnx"))
	require.Equal(t, FormatPickle, detectFormat([]byte{1, 2, 3, 4}, ".pt"))
	require.Equal(t, FormatGGML, detectFormat([]byte{1, 2, 3, 4}, ".bin"))
	require.Equal(t, FormatUnknown, detectFormat([]byte{1, 2, 3, 4}, ".xyz"))
}

func TestTierForFormat(t *testing.T) {
	require.Equal(t, SecuritySafe, TierForFormat(FormatSafetensors))
	require.Equal(t, SecuritySafe, TierForFormat(FormatGGUF))
	require.Equal(t, SecurityUnsafe, TierForFormat(FormatPickle))
	require.Equal(t, SecurityUnknown, TierForFormat(FormatUnknown))
}

func writeGGUFString(t *testing.T, buf *[]byte, s string) {
	t.Helper()
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(len(s)))
	*buf = append(*buf, lenBuf...)
	*buf = append(*buf, []byte(s)...)
}

func buildGGUFFile(t *testing.T, kvs map[string]string) []byte {
	t.Helper()
	var body []byte
	for k, v := range kvs {
		writeGGUFString(t, &body, k)
		typeBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(typeBuf, ggufStringType)
		body = append(body, typeBuf...)
		writeGGUFString(t, &body, v)
	}

	header := make([]byte, 24)
	copy(header[:4], "GGUF")
	binary.LittleEndian.PutUint32(header[4:8], 3)
	binary.LittleEndian.PutUint64(header[8:16], 10)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(kvs)))

	return append(header, body...)
}

func TestIdentifyGGUFDefaultsToLLM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	data := buildGGUFFile(t, map[string]string{"general.architecture": "llama"})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, FormatGGUF, res.Format)
	require.Equal(t, ModelLLM, res.ModelType)
	require.Equal(t, "llama", res.Family)
}

func TestIdentifyGGUFAudioArchitecture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	data := buildGGUFFile(t, map[string]string{"general.architecture": "whisper"})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, ModelAudio, res.ModelType)
}

func TestIdentifyGGUFNameKeyword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	data := buildGGUFFile(t, map[string]string{
		"general.architecture": "qwen3",
		"general.name":         "Qwen3 Embedding 0.6b",
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, ModelEmbedding, res.ModelType)
	require.Equal(t, "qwen3", res.Family)
}

func buildSafetensorsFile(t *testing.T, tensorNames []string) []byte {
	t.Helper()
	header := map[string]any{}
	for _, n := range tensorNames {
		header[n] = map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 0}}
	}
	data, err := json.Marshal(header)
	require.NoError(t, err)

	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(data)))
	return append(out, data...)
}

func TestIdentifySafetensorsLLM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	names := []string{
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.mlp.gate_proj.weight",
		"model.layers.0.mlp.up_proj.weight",
		"model.layers.0.mlp.down_proj.weight",
		"model.embed_tokens.weight",
		"lm_head.weight",
	}
	require.NoError(t, os.WriteFile(path, buildSafetensorsFile(t, names), 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, FormatSafetensors, res.Format)
	require.Equal(t, ModelLLM, res.ModelType)
}

func TestIdentifySafetensorsEmbeddingNoLMHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	names := []string{
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.mlp.gate_proj.weight",
		"model.layers.0.mlp.up_proj.weight",
		"model.layers.0.mlp.down_proj.weight",
		"model.embed_tokens.weight",
		"pooler.dense.weight",
	}
	require.NoError(t, os.WriteFile(path, buildSafetensorsFile(t, names), 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, ModelEmbedding, res.ModelType)
}

func TestIdentifySafetensorsVisionDirectoryContextOverridesUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, os.WriteFile(path, buildSafetensorsFile(t, []string{"some.random.tensor"}), 0o644))

	cfg := map[string]any{"model_type": "vit", "image_size": 224}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, ModelVision, res.ModelType)
}

func TestIdentifySafetensorsVisionContextNeverOverridesLLM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	names := []string{
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.mlp.gate_proj.weight",
		"model.layers.0.mlp.up_proj.weight",
		"model.layers.0.mlp.down_proj.weight",
		"model.embed_tokens.weight",
		"lm_head.weight",
	}
	require.NoError(t, os.WriteFile(path, buildSafetensorsFile(t, names), 0o644))

	cfg := map[string]any{"model_type": "llava", "vision_config": map[string]any{}}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	res, err := Identify(path)
	require.NoError(t, err)
	require.Equal(t, ModelLLM, res.ModelType, "vision context must never override an LLM judgment")
}

func TestIdentifyDirectoryProbesLargestWeightFile(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.gguf")
	big := filepath.Join(dir, "big.gguf")

	require.NoError(t, os.WriteFile(small, buildGGUFFile(t, map[string]string{"general.architecture": "llama"}), 0o644))
	bigData := buildGGUFFile(t, map[string]string{"general.architecture": "whisper"})
	bigData = append(bigData, make([]byte, 4096)...)
	require.NoError(t, os.WriteFile(big, bigData, 0o644))

	res, err := Identify(dir)
	require.NoError(t, err)
	require.Equal(t, ModelAudio, res.ModelType)
}
