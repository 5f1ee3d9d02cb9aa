// Package pathutil implements the model_id path-normalization rules shared
// by the library, importer, and mapper.
package pathutil

import (
	"regexp"
	"strings"
)

var segmentInvalidRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// NormalizeSegment lowercases a path segment and collapses any run of
// characters outside [a-z0-9_-] into a single underscore.
func NormalizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = segmentInvalidRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "unknown"
	}
	return s
}

// ModelID joins the normalized (type, family, cleanedName) tuple into the
// slash-joined relative path that is the model's stable identifier.
func ModelID(modelType, family, cleanedName string) string {
	return strings.Join([]string{
		NormalizeSegment(modelType),
		NormalizeSegment(family),
		NormalizeSegment(cleanedName),
	}, "/")
}

// SplitModelID splits a model_id back into its (type, family, cleanedName)
// components. Returns false if the id doesn't have exactly three segments.
func SplitModelID(modelID string) (modelType, family, cleanedName string, ok bool) {
	parts := strings.Split(modelID, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
