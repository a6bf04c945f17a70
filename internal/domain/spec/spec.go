// Package spec defines the content-addressed, immutable inputs to a
// computation: molecules and specifications. Both are identified by a
// canonical hash computed over their normalized fields so that resubmitting
// identical content always resolves to the same row.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Molecule is a content-addressed chemistry input. It is immutable after
// insert; MoleculeHash is the deduplication key.
type Molecule struct {
	ID                     int64             `json:"id,omitempty"`
	MoleculeHash           string            `json:"molecule_hash,omitempty"`
	Symbols                []string          `json:"symbols"`
	Geometry               []float64         `json:"geometry"`
	MolecularCharge        float64           `json:"molecular_charge"`
	MolecularMultiplicity  int               `json:"molecular_multiplicity"`
	Fragments              [][]int           `json:"fragments,omitempty"`
	Connectivity           [][3]float64      `json:"connectivity,omitempty"`
	Identifiers            map[string]string `json:"identifiers,omitempty"`
}

// ValidateBasic checks the required fields of a molecule before hashing.
func (m Molecule) ValidateBasic() error {
	if len(m.Symbols) == 0 {
		return errors.New("molecule: at least one symbol is required")
	}
	if len(m.Geometry) != len(m.Symbols)*3 {
		return fmt.Errorf("molecule: geometry length %d does not match %d atoms", len(m.Geometry), len(m.Symbols))
	}
	if m.MolecularMultiplicity < 1 {
		return errors.New("molecule: molecular_multiplicity must be >= 1")
	}
	return nil
}

// Hash computes the canonical molecule_hash. Geometry coordinates are rounded
// to 10 decimal digits so that floating-point noise does not defeat
// deduplication; symbols are left as-is since case carries chemical meaning
// for isotope labels.
func (m Molecule) Hash() (string, error) {
	if err := m.ValidateBasic(); err != nil {
		return "", err
	}
	canonical := struct {
		Symbols               []string          `json:"symbols"`
		Geometry              []string          `json:"geometry"`
		MolecularCharge       string            `json:"molecular_charge"`
		MolecularMultiplicity int               `json:"molecular_multiplicity"`
		Fragments             [][]int           `json:"fragments,omitempty"`
		Identifiers           map[string]string `json:"identifiers,omitempty"`
	}{
		Symbols:               m.Symbols,
		Geometry:              roundAll(m.Geometry),
		MolecularCharge:       roundDecimal(m.MolecularCharge),
		MolecularMultiplicity: m.MolecularMultiplicity,
		Fragments:             m.Fragments,
		Identifiers:           m.Identifiers,
	}
	return HashStruct(canonical)
}

// Specification is a record-type-specific, immutable description of how to
// compute. Dedup key: (record_type, specification_hash).
type Specification struct {
	ID                int64             `json:"id,omitempty"`
	RecordType        string            `json:"record_type"`
	SpecificationHash string            `json:"specification_hash,omitempty"`
	Program           string            `json:"program"`
	Driver            string            `json:"driver"`
	Method            string            `json:"method"`
	Basis             string            `json:"basis,omitempty"`
	Keywords          map[string]any    `json:"keywords,omitempty"`
	Protocols         map[string]any    `json:"protocols,omitempty"`
}

// ValidateBasic checks the required fields of a specification before hashing.
func (s Specification) ValidateBasic() error {
	if s.RecordType == "" {
		return errors.New("specification: record_type is required")
	}
	if s.Program == "" {
		return errors.New("specification: program is required")
	}
	if s.Method == "" {
		return errors.New("specification: method is required")
	}
	return nil
}

// Hash computes the canonical specification_hash: program/method/basis
// lowercased, keyword dict key-ordered, whitespace trimmed.
func (s Specification) Hash() (string, error) {
	if err := s.ValidateBasic(); err != nil {
		return "", err
	}
	canonical := struct {
		RecordType string         `json:"record_type"`
		Program    string         `json:"program"`
		Driver     string         `json:"driver"`
		Method     string         `json:"method"`
		Basis      string         `json:"basis"`
		Keywords   map[string]any `json:"keywords,omitempty"`
		Protocols  map[string]any `json:"protocols,omitempty"`
	}{
		RecordType: strings.ToLower(strings.TrimSpace(s.RecordType)),
		Program:    strings.ToLower(strings.TrimSpace(s.Program)),
		Driver:     strings.ToLower(strings.TrimSpace(s.Driver)),
		Method:     strings.ToLower(strings.TrimSpace(s.Method)),
		Basis:      strings.ToLower(strings.TrimSpace(s.Basis)),
		Keywords:   normalizeKeywords(s.Keywords),
		Protocols:  normalizeKeywords(s.Protocols),
	}
	return HashStruct(canonical)
}

// HashStruct produces a stable SHA-256 hash of the JSON encoding of v. Go's
// encoding/json already sorts map keys, so the only extra normalization
// needed is on the caller's side (case, numeric rounding, trimming).
func HashStruct(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// InputIdentity computes the dedup lookup key for an atomic record: the
// ordered sequence of molecule ids plus any record-type-specific extra
// keywords. Order is preserved rather than canonicalized, since it carries
// chemical meaning for multi-molecule record types (e.g. reaction/many-body
// chains distinguish reactants from products by position).
func InputIdentity(moleculeIDs []int64, extraKeywords map[string]any) (string, error) {
	ids := append([]int64(nil), moleculeIDs...)
	canonical := struct {
		MoleculeIDs []int64        `json:"molecule_ids"`
		Extra       map[string]any `json:"extra,omitempty"`
	}{
		MoleculeIDs: ids,
		Extra:       normalizeKeywords(extraKeywords),
	}
	return HashStruct(canonical)
}

func roundAll(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = roundDecimal(v)
	}
	return out
}

// roundDecimal normalizes a float to 10 decimal digits, the default precision
// named by the deduplication rules, represented as a string so that
// JSON-encoding never reintroduces binary floating-point jitter.
func roundDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

func normalizeKeywords(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := strings.TrimSpace(k)
		switch val := v.(type) {
		case string:
			out[key] = strings.ToLower(strings.TrimSpace(val))
		case float64:
			out[key] = roundDecimal(val)
		default:
			out[key] = v
		}
	}
	return out
}
