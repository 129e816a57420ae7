package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params holds per-strategy numeric parameters keyed by strategy name
type Params map[string]map[string]float64

// LoadParams reads strategy parameters from a YAML file. A missing path yields empty params.
//
//	smaCross:
//	  position_size: 150
//	  length: 200
func LoadParams(path string) (Params, error) {
	if path == "" {
		return Params{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy params: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse strategy params: %w", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Get returns a parameter or def when it is unset
func (p Params) Get(strategy, key string, def float64) float64 {
	if v, ok := p[strategy][key]; ok {
		return v
	}
	return def
}

// Builtins returns a registry with the built-in strategies configured from p
func Builtins(p Params) *Registry {
	r := NewRegistry()
	r.Register("smaCross", SMACross(
		p.Get("smaCross", "position_size", 150),
		int(p.Get("smaCross", "length", 200)),
	))
	return r
}
