package types

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TraitGrant is the trait requirement of one role. Every clause must be
// satisfied; a clause is satisfied when the holder has any of its traits.
// An empty grant matches everyone.
//
// On the wire a clause is either a single trait or a list of alternatives:
//
//	["attendee", ["speaker", "moderator"]]
type TraitGrant [][]string

// Matches reports whether traits satisfy every clause.
func (g TraitGrant) Matches(traits []string) bool {
	if len(g) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(traits))
	for _, t := range traits {
		have[t] = struct{}{}
	}
	for _, clause := range g {
		ok := false
		for _, alt := range clause {
			if _, found := have[alt]; found {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts clauses given as strings or lists of strings.
func (g *TraitGrant) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("trait grant must be a list: %w", err)
	}
	out := make(TraitGrant, 0, len(raw))
	for _, item := range raw {
		var single string
		if err := json.Unmarshal(item, &single); err == nil {
			out = append(out, []string{single})
			continue
		}
		var alts []string
		if err := json.Unmarshal(item, &alts); err != nil {
			return ErrInvalidTraitGrant
		}
		out = append(out, alts)
	}
	*g = out
	return nil
}

// MarshalJSON writes single-trait clauses as plain strings.
func (g TraitGrant) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(g))
	for _, clause := range g {
		if len(clause) == 1 {
			out = append(out, clause[0])
		} else {
			out = append(out, clause)
		}
	}
	return json.Marshal(out)
}

// UnmarshalYAML mirrors UnmarshalJSON for seed files.
func (g *TraitGrant) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return ErrInvalidTraitGrant
	}
	out := make(TraitGrant, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, []string{item.Value})
		case yaml.SequenceNode:
			var alts []string
			if err := item.Decode(&alts); err != nil {
				return ErrInvalidTraitGrant
			}
			out = append(out, alts)
		default:
			return ErrInvalidTraitGrant
		}
	}
	*g = out
	return nil
}
