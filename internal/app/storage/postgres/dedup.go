package postgres

import (
	"context"
	"encoding/json"

	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

// UpsertMolecule inserts a molecule by its canonical hash, or returns the id
// of the existing row sharing that hash (spec §4.8: molecule identity is the
// molecule_hash already present on the row).
func (s *Store) UpsertMolecule(ctx context.Context, m spec.Molecule) (int64, error) {
	hash, err := m.Hash()
	if err != nil {
		return 0, err
	}
	symbolsJSON, err := json.Marshal(m.Symbols)
	if err != nil {
		return 0, err
	}
	geometryJSON, err := json.Marshal(m.Geometry)
	if err != nil {
		return 0, err
	}
	fragmentsJSON, err := json.Marshal(m.Fragments)
	if err != nil {
		return 0, err
	}
	connectivityJSON, err := json.Marshal(m.Connectivity)
	if err != nil {
		return 0, err
	}
	identifiersJSON, err := json.Marshal(m.Identifiers)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO molecules
			(molecule_hash, symbols, geometry, molecular_charge, molecular_multiplicity, fragments, connectivity, identifiers)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (molecule_hash) DO UPDATE SET molecule_hash = EXCLUDED.molecule_hash
		RETURNING id
	`, hash, symbolsJSON, geometryJSON, m.MolecularCharge, m.MolecularMultiplicity, fragmentsJSON, connectivityJSON, identifiersJSON).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertSpecification inserts a specification by (record_type,
// specification_hash), or returns the id of the existing row.
func (s *Store) UpsertSpecification(ctx context.Context, spc spec.Specification) (int64, error) {
	hash, err := spc.Hash()
	if err != nil {
		return 0, err
	}
	keywordsJSON, err := json.Marshal(spc.Keywords)
	if err != nil {
		return 0, err
	}
	protocolsJSON, err := json.Marshal(spc.Protocols)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO specifications
			(record_type, specification_hash, program, driver, method, basis, keywords, protocols)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (record_type, specification_hash) DO UPDATE SET record_type = EXCLUDED.record_type
		RETURNING id
	`, spc.RecordType, hash, spc.Program, spc.Driver, spc.Method, spc.Basis, keywordsJSON, protocolsJSON).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
