// Package hfclient implements the HuggingFace Hub search/tree/metadata
// client and its multi-file resumable downloader, with a transparent
// cache in front of every network call.
package hfclient

import "time"

// DefaultBaseURL is the HuggingFace Hub API root.
const DefaultBaseURL = "https://huggingface.co"

// LFSFile is one LFS-tracked (large) file in a repo tree.
type LFSFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
}

// RepoTree partitions a repo's file listing into LFS and regular files.
type RepoTree struct {
	RepoID       string
	LFSFiles     []LFSFile
	RegularFiles []string
	LastModified string
}

// SearchParams are the query parameters accepted by the search endpoint.
type SearchParams struct {
	Query       string
	Limit       int
	Offset      int
	PipelineTag string
}

// SearchResult is one hit returned by the search endpoint.
type SearchResult struct {
	RepoID       string `json:"id"`
	LastModified string `json:"lastModified"`
}

// MatchMethod names how lookup_metadata resolved a local file to a repo.
type MatchMethod string

const (
	MatchMethodLFS       MatchMethod = "lfs_match"
	MatchMethodExact     MatchMethod = "exact"
	MatchMethodSubstring MatchMethod = "substring"
	MatchMethodJaccard   MatchMethod = "jaccard"
)

// LookupResult is the outcome of matching a local file against HF repos.
type LookupResult struct {
	RepoID         string
	MatchMethod    MatchMethod
	Confidence     float64
	ExpectedSHA256 string
}

// DownloadRequest describes what to fetch from a repo.
type DownloadRequest struct {
	RepoID       string
	Family       string
	OfficialName string
	ModelType    string
	Quant        string
	Filename     string
}

// DownloadStatus is the lifecycle state of a download.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusPausing     DownloadStatus = "pausing"
	StatusCompleted   DownloadStatus = "completed"
	StatusCancelled   DownloadStatus = "cancelled"
	StatusError       DownloadStatus = "error"
)

// DownloadState is the persisted record of one download; fields not
// listed here (progress, speed, flags) are live-only and never written
// to disk.
type DownloadState struct {
	DownloadID      string          `json:"download_id"`
	RepoID          string          `json:"repo_id"`
	PrimaryFilename string          `json:"primary_filename"`
	Filenames       []string        `json:"filenames"`
	DestDir         string          `json:"dest_dir"`
	TotalBytes      *int64          `json:"total_bytes,omitempty"`
	Status          DownloadStatus  `json:"status"`
	Request         DownloadRequest `json:"download_request"`
	CreatedAt       string          `json:"created_at"`
	KnownSHA256     string          `json:"known_sha256,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// Progress is the live-only view of a download's advancement.
type Progress struct {
	DownloadID      string
	Status          DownloadStatus
	DownloadedBytes int64
	TotalBytes      *int64
	Fraction        float64
	SpeedBytesPerS  float64
	Error           string
}

// auxiliaryFilenames is the fixed allowlist of non-weight files appended
// to every download plan, matched by basename rather than path prefix.
var auxiliaryFilenames = map[string]bool{
	"config.json":                  true,
	"tokenizer.json":               true,
	"tokenizer_config.json":        true,
	"generation_config.json":       true,
	"special_tokens_map.json":      true,
	"tokenizer.model":              true,
	"vocab.json":                   true,
	"merges.txt":                   true,
	"added_tokens.json":            true,
	"preprocessor_config.json":     true,
	"chat_template.jinja":          true,
	"model.safetensors.index.json": true,
}

// SelectAuxiliaryFiles returns the subset of regularFiles whose basename
// is on the fixed auxiliary allowlist, a pure helper separable from
// download planning so it can be tested in isolation.
func SelectAuxiliaryFiles(regularFiles []string) []string {
	var out []string
	for _, f := range regularFiles {
		if auxiliaryFilenames[basenameOf(f)] {
			out = append(out, f)
		}
	}
	return out
}

func basenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
