package mapper

import "strings"

// CandidateModel is the subset of a model's metadata the rule matcher
// needs, together with its resolved library directory.
type CandidateModel struct {
	ModelID   string
	Dir       string
	ModelType string
	Family    string
	Subtype   string
	Tags      []string
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func anyFold(list, wanted []string) bool {
	for _, w := range wanted {
		if containsFold(list, w) {
			return true
		}
	}
	return false
}

// MatchesRule reports whether candidate satisfies rule: model_types,
// subtypes, and families are exact (case-insensitive) matches when
// present, tags match on any overlap, and exclude_tags vetoes on any
// overlap.
func MatchesRule(rule MappingRule, c CandidateModel) bool {
	if len(rule.ModelTypes) > 0 && !containsFold(rule.ModelTypes, c.ModelType) {
		return false
	}
	if len(rule.Subtypes) > 0 && !containsFold(rule.Subtypes, c.Subtype) {
		return false
	}
	if len(rule.Families) > 0 && !containsFold(rule.Families, c.Family) {
		return false
	}
	if len(rule.Tags) > 0 && !anyFold(c.Tags, rule.Tags) {
		return false
	}
	if len(rule.ExcludeTags) > 0 && anyFold(c.Tags, rule.ExcludeTags) {
		return false
	}
	return true
}

// MatchingRules returns every rule in mappings that c satisfies, in
// order.
func MatchingRules(mappings []MappingRule, c CandidateModel) []MappingRule {
	var out []MappingRule
	for _, r := range mappings {
		if MatchesRule(r, c) {
			out = append(out, r)
		}
	}
	return out
}
