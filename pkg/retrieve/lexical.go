// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieve

import (
	"math"
	"sort"
	"strings"

	"github.com/kraklabs/cis/pkg/graph"
	"github.com/kraklabs/cis/pkg/index"
)

// lexicalLabels are the labels the lexical signal considers, for both
// the local scorer and store-side text search.
var lexicalLabels = []graph.Label{
	graph.LabelFile, graph.LabelFunction, graph.LabelClass,
	graph.LabelImport, graph.LabelDocument, graph.LabelSection,
}

var lexicalLabelSet = func() map[graph.Label]bool {
	set := make(map[graph.Label]bool, len(lexicalLabels))
	for _, l := range lexicalLabels {
		set[l] = true
	}
	return set
}()

// filterLexical drops store text-search hits outside the lexical label
// set; episode and claim text must not rank in query fusion.
func filterLexical(in []graph.ScoredNode) []graph.ScoredNode {
	out := in[:0]
	for _, sn := range in {
		if lexicalLabelSet[sn.Node.Label] {
			out = append(out, sn)
		}
	}
	return out
}

// LexicalScore is the deterministic fallback when the graph store has
// no text-search primitive: IDF-weighted term frequency over each
// node's name, doc, content, and path fields.
func LexicalScore(idx *index.InMemoryIndex, query string, limit int) []graph.ScoredNode {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	type doc struct {
		node *graph.Node
		text string
	}
	var docs []doc
	for _, label := range lexicalLabels {
		for _, n := range idx.NodesByLabel(label) {
			text := strings.ToLower(strings.Join([]string{
				n.Prop("name"), n.Prop("doc"), n.Prop("content"),
				n.Prop("path"), n.Prop("signature"),
			}, " "))
			if strings.TrimSpace(text) != "" {
				docs = append(docs, doc{node: n, text: text})
			}
		}
	}
	if len(docs) == 0 {
		return nil
	}

	// Document frequency per term, then score = Σ tf·idf.
	df := make(map[string]int, len(terms))
	for _, t := range terms {
		for _, d := range docs {
			if strings.Contains(d.text, t) {
				df[t]++
			}
		}
	}

	n := float64(len(docs))
	var out []graph.ScoredNode
	for _, d := range docs {
		score := 0.0
		for _, t := range terms {
			tf := strings.Count(d.text, t)
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + n/float64(df[t]))
			score += float64(tf) * idf
		}
		if score > 0 {
			out = append(out, graph.ScoredNode{Node: d.node, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
