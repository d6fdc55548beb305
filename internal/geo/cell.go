// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package geo provides the deterministic spatial cell keys used to shard
// entity broadcasts across pub/sub channels.
//
// The keys are NOT canonical S2 cells. They are a reproducible hash of the
// rounded coordinates: two observations near each other at the same level
// land in the same cell, and the same observation always produces the same
// key. Clients assuming true S2 geometry (containment, neighbors) will be
// incorrect; the contract is reproducibility only.
package geo

import (
	"crypto/sha1" //nolint:gosec // non-cryptographic use: stable key derivation
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// DefaultCellLevel is the cell level used for entity channel sharding.
const DefaultCellLevel = 14

// CellKey derives a 16-hex-character cell key from coordinates.
//
// The coordinates are rounded to level/2 decimal places, formatted, and
// hashed together with the level. At the default level 14 that is 7 decimal
// places, roughly centimeter precision before hashing.
func CellKey(lat, lng float64, level int) string {
	decimals := level / 2
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%d", //nolint:gosec
		formatRounded(lat, decimals),
		formatRounded(lng, decimals),
		level,
	)))
	return hex.EncodeToString(sum[:])[:16]
}

// CellKeyDefault derives a cell key at DefaultCellLevel.
func CellKeyDefault(lat, lng float64) string {
	return CellKey(lat, lng, DefaultCellLevel)
}

// formatRounded rounds to the given number of decimal places and formats
// with the shortest representation that round-trips, so 37.50 renders as
// "37.5" regardless of the requested precision.
func formatRounded(v float64, decimals int) string {
	scale := math.Pow10(decimals)
	rounded := math.Round(v*scale) / scale
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
