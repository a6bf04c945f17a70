package spec

import "testing"

func TestSpecificationHashIsCaseAndWhitespaceInsensitive(t *testing.T) {
	a := Specification{RecordType: "singlepoint", Program: " PSI4 ", Driver: "energy", Method: "B3LYP", Basis: "def2-SVP"}
	b := Specification{RecordType: "singlepoint", Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "def2-svp"}

	hashA, err := a.Hash()
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := b.Hash()
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected equal hashes, got %s vs %s", hashA, hashB)
	}
}

func TestSpecificationHashDiffersOnMethod(t *testing.T) {
	a := Specification{RecordType: "singlepoint", Program: "psi4", Driver: "energy", Method: "b3lyp"}
	b := Specification{RecordType: "singlepoint", Program: "psi4", Driver: "energy", Method: "pbe0"}

	hashA, _ := a.Hash()
	hashB, _ := b.Hash()
	if hashA == hashB {
		t.Fatal("expected different hashes for different methods")
	}
}

func TestSpecificationHashRejectsMissingFields(t *testing.T) {
	s := Specification{RecordType: "singlepoint"}
	if _, err := s.Hash(); err == nil {
		t.Fatal("expected error for missing program/method")
	}
}

func TestMoleculeHashStableUnderFloatingPointNoise(t *testing.T) {
	a := Molecule{Symbols: []string{"H", "H"}, Geometry: []float64{0, 0, 0, 0, 0, 0.74}, MolecularMultiplicity: 1}
	b := Molecule{Symbols: []string{"H", "H"}, Geometry: []float64{0, 0, 0, 0, 0, 0.7400000000001}, MolecularMultiplicity: 1}

	hashA, err := a.Hash()
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := b.Hash()
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected rounding to collapse floating point noise: %s vs %s", hashA, hashB)
	}
}

func TestMoleculeValidateBasicRejectsMismatchedGeometry(t *testing.T) {
	m := Molecule{Symbols: []string{"H", "H"}, Geometry: []float64{0, 0, 0}, MolecularMultiplicity: 1}
	if err := m.ValidateBasic(); err == nil {
		t.Fatal("expected error for mismatched geometry length")
	}
}

func TestInputIdentityPreservesMoleculeOrder(t *testing.T) {
	a, err := InputIdentity([]int64{3, 1, 2}, nil)
	if err != nil {
		t.Fatalf("input identity a: %v", err)
	}
	b, err := InputIdentity([]int64{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("input identity b: %v", err)
	}
	if a == b {
		t.Fatalf("expected order to change the identity: %s vs %s", a, b)
	}

	c, err := InputIdentity([]int64{3, 1, 2}, nil)
	if err != nil {
		t.Fatalf("input identity c: %v", err)
	}
	if a != c {
		t.Fatalf("expected same order to produce same identity: %s vs %s", a, c)
	}
}
