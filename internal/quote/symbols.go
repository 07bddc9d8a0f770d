package quote

import (
	"sort"
	"strings"
)

// Registry maps user-facing instrument names to the provider's symbols.
// Configuration data; the engine rejects anything not listed here.
type Registry struct {
	symbols map[string]string
}

// DefaultRegistry returns the supported instrument set
func DefaultRegistry() *Registry {
	return &Registry{symbols: map[string]string{
		"BTC":  "BTCUSDT",
		"ETH":  "ETHUSDT",
		"XRP":  "XRPUSDT",
		"SOL":  "SOLUSDT",
		"DOGE": "DOGEUSDT",
		"ADA":  "ADAUSDT",
	}}
}

// Resolve returns the provider symbol for an instrument name
func (r *Registry) Resolve(name string) (string, bool) {
	s, ok := r.symbols[strings.ToUpper(name)]
	return s, ok
}

// Instruments lists the supported instrument names, sorted
func (r *Registry) Instruments() []string {
	names := make([]string, 0, len(r.symbols))
	for name := range r.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
