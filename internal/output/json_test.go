// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cis/pkg/graph"
)

func TestJSONPretty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONTo(&buf, map[string]any{"project_id": "demo", "count": 42}))

	out := buf.String()
	assert.Contains(t, out, "  \"project_id\": \"demo\"")
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestJSONCompactSingleLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONCompactTo(&buf, map[string]any{"project_id": "demo"}))
	assert.Equal(t, "{\"project_id\":\"demo\"}\n", buf.String())
}

func TestJSONErrorShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONErrorTo(&buf, errors.New("boom")))
	assert.Contains(t, buf.String(), `"error": "boom"`)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, ProfileBalanced, p)

	p, err = ParseProfile("compact")
	require.NoError(t, err)
	assert.Equal(t, ProfileCompact, p)

	_, err = ParseProfile("verbose")
	assert.Error(t, err)
}

func TestShapeHitByProfile(t *testing.T) {
	n := &graph.Node{
		ID:    "demo:func:main.go#Run@10",
		Label: graph.LabelFunction,
		Props: map[string]any{"name": "Run", "path": "main.go", "start_line": 10},
	}
	s := Scores{Fused: 0.9, Vector: 0.8, Lexical: 0.4}

	compact := ShapeHit(ProfileCompact, n, s)
	assert.Equal(t, "Run", compact.Name)
	assert.Empty(t, compact.Label)
	assert.Nil(t, compact.Props)

	balanced := ShapeHit(ProfileBalanced, n, s)
	assert.Equal(t, "FUNCTION", balanced.Label)
	assert.Equal(t, "main.go", balanced.Path)
	assert.Equal(t, 0.8, balanced.VectorScore)
	assert.Nil(t, balanced.Props)

	debug := ShapeHit(ProfileDebug, n, s)
	assert.Equal(t, n.Props, debug.Props)
}
