// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

// Package merkle provides content hashing for log records and binary
// Merkle tree construction over ordered hash lists.
//
// Everything here is a pure function of its inputs: the same record fields
// always hash to the same value, and the same ordered hash list always
// reduces to the same root. That determinism is what makes batch
// verification meaningful.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/anchorlog/anchorlog/internal/models"
)

// RecordHash computes the SHA-256 content hash of a record over the
// canonical concatenation of id, timestamp, source, level, message, the
// canonicalized metadata serialization, and the stacktrace if present.
//
// The result is independent of map iteration order and JSON re-serialization,
// so a record reloaded from the primary store hashes identically to the
// record as ingested.
func RecordHash(r *models.LogRecord) string {
	var b []byte
	b = append(b, r.ID...)
	b = append(b, r.Timestamp...)
	b = append(b, r.Source...)
	b = append(b, r.Level...)
	b = append(b, r.Message...)
	if len(r.Metadata) > 0 {
		b = append(b, canonicalJSON(r.Metadata)...)
	}
	if r.Stacktrace != "" {
		b = append(b, r.Stacktrace...)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CombineHashes combines two hex-encoded hashes into their parent node hash.
func CombineHashes(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// BuildTree reduces an ordered list of leaf hashes to a Merkle root via
// bottom-up pairwise combination. When a level has an odd node count, the
// last node is duplicated before pairing.
//
// A single-hash input returns that hash unchanged. An empty input returns
// the empty string; callers must never anchor an empty root.
func BuildTree(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, CombineHashes(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}

// RecordHashes computes the leaf hashes for an ordered record slice.
func RecordHashes(records []models.LogRecord) []string {
	hashes := make([]string, len(records))
	for i := range records {
		hashes[i] = RecordHash(&records[i])
	}
	return hashes
}

// canonicalJSON serializes a value with map keys in sorted order at every
// nesting depth, so its output is stable regardless of map iteration order.
func canonicalJSON(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			key, _ := json.Marshal(k)
			out = append(out, key...)
			out = append(out, ':')
			out = append(out, canonicalJSON(val[k])...)
		}
		out = append(out, '}')
		return string(out)
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalJSON(item)...)
		}
		out = append(out, ']')
		return string(out)
	case float64:
		// Integral floats serialize without a fractional part, matching
		// what a marshal/unmarshal round trip through JSON produces.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
