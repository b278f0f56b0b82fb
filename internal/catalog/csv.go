package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File names read by [LoadDir].
const (
	DiagnosesFile    = "diagnoses.csv"
	MedicinesFile    = "medicines.csv"
	ExaminationsFile = "items.csv"
)

// LoadCSV reads the three tables as CSV and builds a Catalog. Ragged rows are
// accepted; only I/O failures and unreadable CSV syntax are errors. A nil
// reader yields an empty table.
func LoadCSV(diagnoses, medicines, examinations io.Reader) (*Catalog, error) {
	var t Tables
	var err error
	if t.Diagnoses, err = readRows(diagnoses); err != nil {
		return nil, fmt.Errorf("catalog: read diagnoses: %w", err)
	}
	if t.Medicines, err = readRows(medicines); err != nil {
		return nil, fmt.Errorf("catalog: read medicines: %w", err)
	}
	if t.Examinations, err = readRows(examinations); err != nil {
		return nil, fmt.Errorf("catalog: read examinations: %w", err)
	}
	return Load(t), nil
}

// LoadDir loads diagnoses.csv, medicines.csv and items.csv from dir.
func LoadDir(dir string) (*Catalog, error) {
	var files [3]*os.File
	for i, name := range []string{DiagnosesFile, MedicinesFile, ExaminationsFile} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			for _, open := range files[:i] {
				open.Close()
			}
			return nil, fmt.Errorf("catalog: open %q: %w", name, err)
		}
		files[i] = f
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	return LoadCSV(files[0], files[1], files[2])
}

func readRows(r io.Reader) (Rows, error) {
	if r == nil {
		return nil, nil
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return rows, nil
}
