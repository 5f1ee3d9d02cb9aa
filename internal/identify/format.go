package identify

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pumas-run/pumas/internal/perrors"
)

var (
	magicGGUF = []byte("GGUF")
	magicGGML = []byte("lmgg")
	magicGGJT = []byte("ggjt")
	magicZIP  = []byte{0x50, 0x4B, 0x03, 0x04}
)

const (
	picklV2       byte = 0x80
	picklProtoMin byte = 2
	picklProtoMax byte = 5

	maxSafetensorsHeader = 100_000_000
	maxGGUFStringLen     = 1024 * 1024
	maxGGUFArrayDepth    = 10
	maxGGUFMetadataWalk  = 1000
)

// Identify probes path and returns its detected format, model type, and
// family. If path is a directory, the largest weight file in it is probed.
func Identify(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, perrors.Io("identify.Identify", path, err)
	}
	if info.IsDir() {
		primary, err := largestWeightFile(path)
		if err != nil {
			return Result{}, err
		}
		path = primary
	}
	return identifyFile(path)
}

// PrimaryWeightFile returns the path of the largest weight-format file
// directly inside dir, the convention used throughout the library for a
// model directory's primary file.
func PrimaryWeightFile(dir string) (string, error) {
	return largestWeightFile(dir)
}

var weightExtensions = map[string]bool{
	".gguf": true, ".safetensors": true, ".pt": true, ".pth": true,
	".ckpt": true, ".bin": true, ".onnx": true,
}

func largestWeightFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", perrors.Io("identify.largestWeightFile", dir, err)
	}
	var best string
	var bestSize int64 = -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !weightExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestSize = info.Size()
			best = filepath.Join(dir, e.Name())
		}
	}
	if best == "" {
		return "", perrors.NotFound("identify.largestWeightFile", dir)
	}
	return best, nil
}

func identifyFile(path string) (Result, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return Result{}, perrors.Io("identify.identifyFile", path, err)
	}
	defer f.Close()

	header := make([]byte, 64)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return Result{}, perrors.Io("identify.identifyFile", path, err)
	}
	header = header[:n]
	if n < 4 {
		return Result{Format: FormatUnknown, ModelType: ModelUnknown}, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	format := detectFormat(header, ext)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Result{}, perrors.Io("identify.identifyFile", path, err)
	}

	switch format {
	case FormatGGUF:
		return identifyGGUF(f, path)
	case FormatSafetensors:
		return identifySafetensors(f, path)
	default:
		return Result{Format: format, ModelType: ModelUnknown}, nil
	}
}

func detectFormat(header []byte, ext string) Format {
	if len(header) < 4 {
		return FormatUnknown
	}
	if bytes.Equal(header[:4], magicGGUF) {
		return FormatGGUF
	}
	if bytes.Equal(header[:4], magicGGML) || bytes.Equal(header[:4], magicGGJT) {
		return FormatGGML
	}
	if bytes.Equal(header[:4], magicZIP) {
		return FormatPickle
	}
	if header[0] == picklV2 && len(header) > 1 && header[1] >= picklProtoMin && header[1] <= picklProtoMax {
		return FormatPickle
	}
	if len(header) >= 16 {
		headerSize := binary.LittleEndian.Uint64(header[:8])
		if headerSize > 0 && headerSize < maxSafetensorsHeader && header[8] == '{' {
			return FormatSafetensors
		}
	}
	if ext == ".onnx" {
		return FormatONNX
	}
	switch ext {
	case ".gguf":
		return FormatGGUF
	case ".ggml", ".bin":
		return FormatGGML
	case ".safetensors":
		return FormatSafetensors
	case ".pt", ".pth", ".ckpt":
		return FormatPickle
	case ".onnx":
		return FormatONNX
	default:
		return FormatUnknown
	}
}
