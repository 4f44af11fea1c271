// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"fmt"

	"github.com/kraklabs/cis/pkg/graph"
)

// Profile controls how much of a result a tool returns.
type Profile string

const (
	// ProfileCompact keeps only id, name and score.
	ProfileCompact Profile = "compact"

	// ProfileBalanced adds label, path and per-signal scores. Default.
	ProfileBalanced Profile = "balanced"

	// ProfileDebug returns raw node properties alongside everything.
	ProfileDebug Profile = "debug"
)

// ParseProfile validates a profile string; empty means balanced.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case "":
		return ProfileBalanced, nil
	case ProfileCompact, ProfileBalanced, ProfileDebug:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown profile %q (want compact, balanced or debug)", s)
	}
}

// Hit is the profile-shaped view of one scored node.
type Hit struct {
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`

	// Balanced and above.
	Label string `json:"label,omitempty"`
	Path  string `json:"path,omitempty"`

	VectorScore  float64 `json:"vector_score,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	GraphScore   float64 `json:"graph_score,omitempty"`

	// Debug only.
	Props map[string]any `json:"props,omitempty"`
}

// Scores carries the per-signal breakdown into ShapeHit.
type Scores struct {
	Fused   float64
	Vector  float64
	Lexical float64
	Graph   float64
}

// ShapeHit projects a node into the profile's view.
func ShapeHit(p Profile, n *graph.Node, s Scores) Hit {
	h := Hit{ID: n.ID, Name: n.Prop("name"), Score: s.Fused}
	if p == ProfileCompact {
		return h
	}
	h.Label = string(n.Label)
	h.Path = n.Prop("path")
	h.VectorScore = s.Vector
	h.LexicalScore = s.Lexical
	h.GraphScore = s.Graph
	if p == ProfileDebug {
		h.Props = n.Props
	}
	return h
}
