// Package maps resolves map image hashes to static map metadata. The table
// is loaded once at startup and never mutated by capture; match rows store
// only the hash and all display metadata is derived through Resolve.
package maps

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// BattleType classifies the battle a map belongs to.
type BattleType string

const (
	BattleGround  BattleType = "ground"
	BattleAir     BattleType = "air"
	BattleNaval   BattleType = "naval"
	BattleUnknown BattleType = "unknown"
)

// Info is the metadata derived from a map hash.
type Info struct {
	Name       string     `json:"name"`
	ID         string     `json:"id"`
	BattleType BattleType `json:"battle_type"`
}

// Unknown is the sentinel returned for unrecognized hashes. Capture proceeds
// normally on unknown maps; only the derived metadata is affected.
var Unknown = Info{Name: "Unknown Map", ID: "unknown", BattleType: BattleUnknown}

//go:embed data/map_table.json
var embeddedTable []byte

// Table is an immutable hash -> Info lookup.
type Table struct {
	entries   map[string]Info
	tolerance int
}

// LoadTable builds a Table from a JSON data file, falling back to the
// embedded table when path is empty. tolerance is the maximum Hamming
// distance (in bits) accepted for a fuzzy match.
func LoadTable(path string, tolerance int) (*Table, error) {
	data := embeddedTable
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read map table: %w", err)
		}
	}
	return ParseTable(data, tolerance)
}

// ParseTable builds a Table from raw JSON of the form {hash: Info, ...}.
func ParseTable(data []byte, tolerance int) (*Table, error) {
	entries := make(map[string]Info)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse map table: %w", err)
	}
	for hash, info := range entries {
		if info.BattleType == "" {
			info.BattleType = BattleUnknown
			entries[hash] = info
		}
	}
	return &Table{entries: entries, tolerance: tolerance}, nil
}

// Len returns the number of known map hashes.
func (t *Table) Len() int { return len(t.entries) }

// Resolve looks up a map hash: exact match first, then the closest known
// hash within the Hamming tolerance. Unknown hashes return the Unknown
// sentinel, never an error.
func (t *Table) Resolve(hash string) Info {
	if hash == "" {
		return Unknown
	}
	if info, ok := t.entries[hash]; ok {
		return info
	}

	best := Unknown
	bestDistance := t.tolerance + 1
	for known, info := range t.entries {
		if d := hammingDistance(hash, known); d < bestDistance {
			bestDistance = d
			best = info
		}
	}
	return best
}

// Known reports whether Resolve would find a match for hash.
func (t *Table) Known(hash string) bool {
	return t.Resolve(hash) != Unknown
}

// hammingDistance counts differing bits between two hex hashes. Length
// mismatches are padded with zeros; invalid characters count as a full
// nibble of difference.
func hammingDistance(a, b string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	distance := 0
	for i := 0; i < len(a); i++ {
		na, aok := hexNibble(a[i])
		var nb byte
		bok := true
		if i < len(b) {
			nb, bok = hexNibble(b[i])
		}
		if !aok || !bok {
			distance += 4
			continue
		}
		xor := na ^ nb
		for xor != 0 {
			distance += int(xor & 1)
			xor >>= 1
		}
	}
	return distance
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
