package library

import "encoding/json"

// MatchSource records how a model's metadata was last populated.
type MatchSource string

const (
	MatchSourceImport MatchSource = "import"
	MatchSourceHF     MatchSource = "hf"
	MatchSourceManual MatchSource = "manual"
)

// Hashes are the canonical digests of a model's primary file.
type Hashes struct {
	SHA256 string `json:"sha256,omitempty"`
	BLAKE3 string `json:"blake3,omitempty"`
}

// FileInfo describes one file inside a model directory.
type FileInfo struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name,omitempty"`
	Size         int64  `json:"size,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	BLAKE3       string `json:"blake3,omitempty"`
}

// Metadata is a model directory's baseline record. Fields are pointers or
// zero-valued where the schema marks them optional so that unknown JSON
// fields round-trip untouched via the Extra bag.
type Metadata struct {
	ModelID            string            `json:"model_id,omitempty"`
	Family             string            `json:"family,omitempty"`
	ModelType          string            `json:"model_type,omitempty"`
	Subtype            string            `json:"subtype,omitempty"`
	OfficialName       string            `json:"official_name,omitempty"`
	CleanedName        string            `json:"cleaned_name,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	BaseModel          string            `json:"base_model,omitempty"`
	PreviewImage       string            `json:"preview_image,omitempty"`
	ReleaseDate        string            `json:"release_date,omitempty"`
	DownloadURL        string            `json:"download_url,omitempty"`
	ModelCard          string            `json:"model_card,omitempty"`
	InferenceSettings  map[string]any    `json:"inference_settings,omitempty"`
	Hashes             Hashes            `json:"hashes,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	AddedDate          string            `json:"added_date,omitempty"`
	UpdatedDate        string            `json:"updated_date,omitempty"`
	SizeBytes          int64             `json:"size_bytes,omitempty"`
	Files              []FileInfo        `json:"files,omitempty"`
	MatchSource        MatchSource       `json:"match_source,omitempty"`
	MatchMethod        string            `json:"match_method,omitempty"`
	MatchConfidence    float64           `json:"match_confidence,omitempty"`
	PendingLookup      *bool             `json:"pending_online_lookup,omitempty"`
	LookupAttempts     int               `json:"lookup_attempts,omitempty"`
	LastLookupAttempt  string            `json:"last_lookup_attempt,omitempty"`
	DependencyBindings map[string]string `json:"dependency_bindings,omitempty"`
	SchemaVersion      int               `json:"schema_version,omitempty"`

	// Extra preserves any field the schema doesn't know about so partial
	// updates never drop data round-tripped from disk.
	Extra map[string]any `json:"-"`
}

// PendingLookupDefault is the default value of pending_online_lookup when
// a metadata document omits the field.
const PendingLookupDefault = true

// NeedsOnlineLookup reports whether this metadata still wants an HF
// lookup, defaulting to true when the field was never set.
func (m Metadata) NeedsOnlineLookup() bool {
	if m.PendingLookup == nil {
		return PendingLookupDefault
	}
	return *m.PendingLookup
}

func boolPtr(b bool) *bool { return &b }

// metadataAlias has the same field set as Metadata but none of its
// methods, so json.Marshal/Unmarshal on it never recurses.
type metadataAlias Metadata

// knownMetadataFields mirrors the json tags on Metadata, used to split
// unknown input fields into Extra during UnmarshalJSON.
var knownMetadataFields = map[string]bool{
	"model_id": true, "family": true, "model_type": true, "subtype": true,
	"official_name": true, "cleaned_name": true, "tags": true,
	"base_model": true, "preview_image": true, "release_date": true,
	"download_url": true, "model_card": true, "inference_settings": true,
	"hashes": true, "notes": true, "added_date": true, "updated_date": true,
	"size_bytes": true, "files": true, "match_source": true,
	"match_method": true, "match_confidence": true,
	"pending_online_lookup": true, "lookup_attempts": true,
	"last_lookup_attempt": true, "dependency_bindings": true,
	"schema_version": true,
}

// UnmarshalJSON decodes the known baseline fields and stashes every other
// field in Extra, so a partial rewrite of one field never drops fields
// this schema version doesn't know about.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if knownMetadataFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		extra[k] = val
	}
	*m = Metadata(alias)
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}

// MarshalJSON encodes the known baseline fields merged with whatever
// unknown fields were preserved in Extra.
func (m Metadata) MarshalJSON() ([]byte, error) {
	alias := metadataAlias(m)
	known, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownMetadataFields[k] {
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = encoded
	}
	return json.Marshal(merged)
}

// Overrides is a user-authored patch layered on top of baseline metadata
// to produce the effective view a collaborator sees.
type Overrides struct {
	OfficialName      *string           `json:"official_name,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Notes             *string           `json:"notes,omitempty"`
	InferenceSettings map[string]any    `json:"inference_settings,omitempty"`
	PreviewImage      *string           `json:"preview_image,omitempty"`
	Extra             map[string]string `json:"-"`
}

// ApplyOverrides produces the effective metadata seen by collaborators:
// baseline fields patched by any non-nil override field.
func ApplyOverrides(base Metadata, ov *Overrides) Metadata {
	if ov == nil {
		return base
	}
	effective := base
	if ov.OfficialName != nil {
		effective.OfficialName = *ov.OfficialName
	}
	if ov.Tags != nil {
		effective.Tags = ov.Tags
	}
	if ov.Notes != nil {
		effective.Notes = *ov.Notes
	}
	if ov.InferenceSettings != nil {
		effective.InferenceSettings = ov.InferenceSettings
	}
	if ov.PreviewImage != nil {
		effective.PreviewImage = *ov.PreviewImage
	}
	return effective
}
