// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `version: "1"
layers:
  - name: api
    globs: ["src/api/**"]
    can_import: [core, shared]
  - name: core
    globs: ["src/core/**"]
    can_import: [shared]
    cannot_import: [api]
  - name: shared
    globs: ["src/shared/**"]
`

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestValidateCleanWorkspace(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml":  testRules,
		"src/api/routes.ts": `import { login } from "../core/auth";`,
		"src/core/auth.ts":  `import { hash } from "../shared/crypto";`,
		"src/shared/crypto.ts": `export function hash(s: string) { return s; }
`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Cycles)
	assert.Equal(t, 3, report.Stats.FilesScanned)
	assert.Equal(t, 3, report.Stats.FilesAssigned)
	assert.Equal(t, 2, report.Stats.ImportsTraced)
}

func TestValidateForbiddenEdge(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml":  testRules,
		"src/api/routes.ts": `export const x = 1;`,
		// core → api is both outside can_import and inside cannot_import.
		"src/core/auth.ts": `import { x } from "../api/routes";`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, "src/core/auth.ts", v.FromFile)
	assert.Equal(t, "core", v.FromLayer)
	assert.Equal(t, "src/api/routes.ts", v.ToFile)
	assert.Equal(t, "api", v.ToLayer)
}

func TestValidateSameLayerAlwaysAllowed(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml": testRules,
		"src/core/a.ts":    `import { b } from "./b";`,
		"src/core/b.ts":    `export const b = 1;`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
}

func TestValidateUnassignedWarns(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml": testRules,
		"scripts/gen.py":   `import os`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.Unassigned)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "scripts/gen.py")
}

// A reported cycle must be an import sequence that actually exists.
func TestCycleDetectionSound(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml": testRules,
		"src/core/a.ts":    `import { b } from "./b";`,
		"src/core/b.ts":    `import { c } from "./c";`,
		"src/core/c.ts":    `import { a } from "./a";`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []string{"src/core/a.ts", "src/core/b.ts", "src/core/c.ts"}, report.Cycles[0])

	// Every hop of the cycle is verifiable in the sources.
	cycle := report.Cycles[0]
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(from)))
		require.NoError(t, err)
		found := false
		for _, spec := range extractImports(from, content) {
			known := map[string]bool{to: true}
			if resolveImport(spec, from, known) == to {
				found = true
			}
		}
		assert.True(t, found, "cycle edge %s -> %s not present in source", from, to)
	}
}

func TestCycleDedupAcrossEntryPoints(t *testing.T) {
	// Two mutually importing files reached from two roots yield one cycle.
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml": testRules,
		"src/core/r1.ts":   `import { a } from "./a";`,
		"src/core/r2.ts":   `import { b } from "./b";`,
		"src/core/a.ts":    `import { b } from "./b";`,
		"src/core/b.ts":    `import { a } from "./a";`,
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, []string{"src/core/a.ts", "src/core/b.ts"}, report.Cycles[0])
}

func TestValidateExplicitFileList(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml":  testRules,
		"src/core/auth.ts":  `import { x } from "../api/routes";`,
		"src/api/routes.ts": `export const x = 1;`,
	})

	// Restricting the scan to api only hides core's violation.
	report, err := New(nil).Validate(context.Background(), root, []string{"src/api/routes.ts"})
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 1, report.Stats.FilesScanned)
}

func TestValidateMissingRules(t *testing.T) {
	root := writeWorkspace(t, map[string]string{"src/a.ts": "export {}"})
	_, err := New(nil).Validate(context.Background(), root, nil)
	assert.Error(t, err)
}

func TestPythonImportsResolve(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		".cis/layers.yaml": `version: "1"
layers:
  - name: api
    globs: ["src/api/**"]
  - name: core
    globs: ["src/core/**"]
    cannot_import: [api]
`,
		"src/core/auth.py": "from src.api.routes import handler\n",
		"src/api/routes.py": "def handler():\n    pass\n",
	})

	report, err := New(nil).Validate(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "src/api/routes.py", report.Violations[0].ToFile)
}

func testLayerRules() *Rules {
	return &Rules{
		Version: "1",
		Layers: []Layer{
			{Name: "api", Globs: []string{"src/api/**/*.ts"}, CanImport: []string{"core", "shared"}},
			{Name: "core", Globs: []string{"src/core/**/*.ts"}, CanImport: []string{"shared"}, CannotImport: []string{"api"}},
			{Name: "shared", Globs: []string{"src/shared/**/*.ts"}},
		},
	}
}

func TestSuggestByAffinity(t *testing.T) {
	e := New(nil)
	sug, err := e.Suggest(testLayerRules(), "PaymentProcessor", "service", []string{"shared"})
	require.NoError(t, err)
	assert.Equal(t, "core", sug.Layer)
	assert.Equal(t, "src/core/payment_processor_service.ts", sug.Path)
}

func TestSuggestNoDoubleSuffix(t *testing.T) {
	e := New(nil)
	sug, err := e.Suggest(testLayerRules(), "PaymentService", "service", nil)
	require.NoError(t, err)
	assert.Equal(t, "src/core/payment_service.ts", sug.Path)
}

func TestSuggestRespectsDeps(t *testing.T) {
	e := New(nil)
	// shared cannot import core, so a symbol depending on core cannot
	// land in shared even though "util" prefers it.
	sug, err := e.Suggest(testLayerRules(), "RetryPolicy", "util", []string{"core"})
	require.NoError(t, err)
	assert.NotEqual(t, "shared", sug.Layer)
}

// Adding external package names to deps never changes the suggestion.
func TestSuggestIgnoresExternalDeps(t *testing.T) {
	e := New(nil)
	base, err := e.Suggest(testLayerRules(), "UserRepo", "repository", []string{"shared"})
	require.NoError(t, err)

	noisy, err := e.Suggest(testLayerRules(), "UserRepo", "repository",
		[]string{"shared", "lodash", "react", "left-pad"})
	require.NoError(t, err)
	assert.Equal(t, base.Layer, noisy.Layer)
	assert.Equal(t, base.Path, noisy.Path)
}

func TestSuggestUnknownTypeFallsBack(t *testing.T) {
	e := New(nil)
	sug, err := e.Suggest(testLayerRules(), "Thing", "widget", nil)
	require.NoError(t, err)
	assert.Equal(t, "api", sug.Layer) // first eligible in rule order
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("src/core/**", "src/core/a/b.ts"))
	assert.True(t, globMatch("src/core/**/*.ts", "src/core/a/b.ts"))
	assert.False(t, globMatch("src/core/**/*.ts", "src/core/a/b.py"))
	assert.True(t, globMatch("*.ts", "src/core/a.ts"))
	assert.False(t, globMatch("src/api/**", "src/apiv2/x.ts"))
}
