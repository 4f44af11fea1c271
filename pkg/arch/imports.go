// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arch

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"
)

// Lightweight syntactic import extraction. Validation only needs the
// module specifier of each import, not a full parse, so line-level
// regexes are enough here.
var (
	reJSImport  = regexp.MustCompile(`(?:import|export)\s+[^'"]*?from\s+['"]([^'"]+)['"]`)
	reJSBare    = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	reJSRequire = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	rePyFrom    = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	rePyImport  = regexp.MustCompile(`^\s*import\s+([\w.]+)`)
	reGoQuoted  = regexp.MustCompile(`"([^"]+)"`)
)

// extractImports returns the raw import specifiers of one source file.
func extractImports(relPath string, content []byte) []string {
	switch strings.ToLower(path.Ext(relPath)) {
	case ".js", ".jsx", ".mjs", ".ts", ".tsx":
		return scanLines(content, func(line string) []string {
			var out []string
			for _, m := range reJSImport.FindAllStringSubmatch(line, -1) {
				out = append(out, m[1])
			}
			if m := reJSBare.FindStringSubmatch(line); m != nil {
				out = append(out, m[1])
			}
			for _, m := range reJSRequire.FindAllStringSubmatch(line, -1) {
				out = append(out, m[1])
			}
			return out
		})
	case ".py":
		return scanLines(content, func(line string) []string {
			if m := rePyFrom.FindStringSubmatch(line); m != nil {
				return []string{m[1]}
			}
			if m := rePyImport.FindStringSubmatch(line); m != nil {
				return []string{m[1]}
			}
			return nil
		})
	case ".go":
		return goImports(content)
	default:
		return nil
	}
}

func scanLines(content []byte, f func(line string) []string) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, f(sc.Text())...)
	}
	return out
}

func goImports(content []byte) []string {
	var out []string
	inBlock := false
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "import ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock, strings.HasPrefix(line, "import "):
			if m := reGoQuoted.FindStringSubmatch(line); m != nil {
				out = append(out, m[1])
			}
		}
	}
	return out
}

// resolveImport maps an import specifier to a source-relative project
// path, or "" when the specifier is an external package.
func resolveImport(spec, fromPath string, known map[string]bool) string {
	switch {
	case strings.HasPrefix(spec, "."):
		var base string
		if strings.ToLower(path.Ext(fromPath)) == ".py" {
			// Python relative modules are dotted, one leading dot per level.
			base = path.Dir(fromPath)
			rest := spec
			for strings.HasPrefix(rest, ".") {
				rest = rest[1:]
				if strings.HasPrefix(rest, ".") {
					base = path.Dir(base)
				}
			}
			return findCandidate(path.Join(base, strings.ReplaceAll(rest, ".", "/")), known)
		}
		return findCandidate(path.Join(path.Dir(fromPath), spec), known)
	case strings.HasPrefix(spec, "/"):
		return findCandidate(strings.TrimPrefix(spec, "/"), known)
	default:
		if strings.ToLower(path.Ext(fromPath)) == ".py" {
			// Absolute python modules resolve against the workspace root.
			if p := findCandidate(strings.ReplaceAll(spec, ".", "/"), known); p != "" {
				return p
			}
		}
		return ""
	}
}

var candidateExts = []string{"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".py", ".go"}

func findCandidate(stem string, known map[string]bool) string {
	stem = path.Clean(stem)
	for _, ext := range candidateExts {
		if known[stem+ext] {
			return stem + ext
		}
	}
	for _, ext := range candidateExts[1:] {
		if known[stem+"/index"+ext] {
			return stem + "/index" + ext
		}
	}
	if known[stem+"/__init__.py"] {
		return stem + "/__init__.py"
	}
	return ""
}
