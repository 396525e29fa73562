package rules

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TaxBracket is one slice of the progressive table. Limit is the width of
// the slice, not a cumulative bound; a nil Limit marks the open-ended top
// bracket. Within a slice the lower bound is inclusive and the upper bound
// exclusive.
type TaxBracket struct {
	Limit *decimal.Decimal `yaml:"limit"`
	Rate  decimal.Decimal  `yaml:"rate"`
}

// TaxTable is the configured statutory income tax table
type TaxTable struct {
	DefaultThreshold decimal.Decimal `yaml:"default_threshold"`
	Brackets         []TaxBracket    `yaml:"brackets"`
}

// LoadTaxTable reads the bracket table from a yaml file. A missing file is
// not an error: it yields a table with the standard threshold and no
// brackets, i.e. zero tax.
func LoadTaxTable(path string) (*TaxTable, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TaxTable{DefaultThreshold: decimal.NewFromInt(5000)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tax table %s: %w", path, err)
	}

	var table TaxTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse tax table %s: %w", path, err)
	}
	if table.DefaultThreshold.IsZero() {
		table.DefaultThreshold = decimal.NewFromInt(5000)
	}
	return &table, nil
}

// Apply computes the tax on income after pre-tax deductions. threshold
// overrides the table default when non-nil (per-employee policy override).
func (t *TaxTable) Apply(income decimal.Decimal, threshold *decimal.Decimal) decimal.Decimal {
	cutoff := t.DefaultThreshold
	if threshold != nil {
		cutoff = *threshold
	}

	taxable := income.Sub(cutoff)
	if taxable.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	remaining := taxable
	tax := decimal.Zero
	for _, bracket := range t.Brackets {
		if bracket.Limit == nil || remaining.LessThanOrEqual(*bracket.Limit) {
			tax = tax.Add(remaining.Mul(bracket.Rate))
			return tax
		}
		tax = tax.Add(bracket.Limit.Mul(bracket.Rate))
		remaining = remaining.Sub(*bracket.Limit)
	}
	return tax
}
