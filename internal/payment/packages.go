package payment

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Package is a purchasable credit bundle
type Package struct {
	ID        string          `json:"id"`
	Credits   int             `json:"credits"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// Catalogue is the configured set of credit packages
type Catalogue struct {
	packages map[string]Package
}

// DefaultCatalogue returns the standard credit packages
func DefaultCatalogue() *Catalogue {
	return NewCatalogue([]Package{
		{ID: "starter", Credits: 10, BasePrice: decimal.NewFromInt(100)},
		{ID: "plus", Credits: 30, BasePrice: decimal.NewFromInt(250)},
		{ID: "pro", Credits: 100, BasePrice: decimal.NewFromInt(700)},
	})
}

// NewCatalogue builds a catalogue from a package list
func NewCatalogue(packages []Package) *Catalogue {
	m := make(map[string]Package, len(packages))
	for _, p := range packages {
		m[p.ID] = p
	}
	return &Catalogue{packages: m}
}

// Get returns a package by id
func (c *Catalogue) Get(id string) (Package, bool) {
	p, ok := c.packages[id]
	return p, ok
}

// List returns all packages sorted by credit count
func (c *Catalogue) List() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
