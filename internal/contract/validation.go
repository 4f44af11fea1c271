// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package contract

import (
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"
)

const (
	// DefaultSoftLimitBytes is the baseline soft limit for one batch of
	// graph mutations.
	DefaultSoftLimitBytes = 64 << 20 // 64 MiB

	// MaxQueryBytes caps the length of a retrieval query string.
	MaxQueryBytes = 4096

	// MaxIDBytes caps identifier-like fields (ids, agent ids, session
	// ids, claim targets).
	MaxIDBytes = 256

	// MaxResultLimit caps the per-request result count across tools.
	MaxResultLimit = 100
)

// SoftLimitBytes returns the effective soft limit for a mutation batch.
// Controlled via env CIS_SOFT_LIMIT_BYTES; falls back to
// DefaultSoftLimitBytes.
func SoftLimitBytes() int {
	if v := os.Getenv("CIS_SOFT_LIMIT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultSoftLimitBytes
}

// ValidateQuery checks a retrieval query string for well-formedness.
func ValidateQuery(q string) error {
	if len(q) > MaxQueryBytes {
		return fmt.Errorf("query exceeds %d bytes", MaxQueryBytes)
	}
	if !utf8.ValidString(q) {
		return fmt.Errorf("query is not valid UTF-8")
	}
	return nil
}

// ValidateID checks an identifier-like request field.
func ValidateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > MaxIDBytes {
		return fmt.Errorf("%s exceeds %d bytes", field, MaxIDBytes)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	return nil
}

// ClampLimit normalizes a requested result count: non-positive becomes
// def, anything above MaxResultLimit is cut down.
func ClampLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > MaxResultLimit {
		return MaxResultLimit
	}
	return n
}
