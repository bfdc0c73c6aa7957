package migration

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/govmkit/archvm/cpuid"
)

// SaveTable persists the CPUID table a guest was started with. The file
// travels with the VM so a later resume can re-run admission against the
// identity the guest actually saw, not the one the new host would build.
func SaveTable(path string, table cpuid.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := gob.NewEncoder(f).Encode(table); err != nil {
		f.Close()

		return fmt.Errorf("encoding CPUID table: %w", err)
	}

	return f.Close()
}

// LoadTable reads a table written by SaveTable.
func LoadTable(path string) (cpuid.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var table cpuid.Table
	if err := gob.NewDecoder(f).Decode(&table); err != nil {
		return nil, fmt.Errorf("decoding CPUID table: %w", err)
	}

	return table, nil
}
