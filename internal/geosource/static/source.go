// Package static implements fleet.GeoSource from a geography tree held in
// configuration. It is the default source for development and tests.
package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// City is one configured city and its areas.
type City struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Code  string   `mapstructure:"code" yaml:"code"`
	Areas []string `mapstructure:"areas" yaml:"areas"`
}

// Tree maps ISO country codes to their cities.
type Tree map[string][]City

// Source serves a fixed Tree.
type Source struct {
	tree Tree
}

var _ fleet.GeoSource = (*Source)(nil)

// New builds a Source. Country keys are matched case-insensitively.
func New(tree Tree) *Source {
	normalized := make(Tree, len(tree))
	for iso, cities := range tree {
		normalized[strings.ToUpper(strings.TrimSpace(iso))] = cities
	}
	return &Source{tree: normalized}
}

// Cities returns the configured cities of a country.
func (s *Source) Cities(_ context.Context, country fleet.Country) ([]fleet.CitySeed, error) {
	cities, ok := s.tree[strings.ToUpper(country.ISOCode)]
	if !ok {
		return nil, fmt.Errorf("no cities configured for %s", country.ISOCode)
	}
	out := make([]fleet.CitySeed, 0, len(cities))
	for _, c := range cities {
		out = append(out, fleet.CitySeed{Name: c.Name, Code: c.Code})
	}
	return out, nil
}

// Areas returns the configured areas of a city, matched by code and then by name.
func (s *Source) Areas(_ context.Context, country fleet.Country, city fleet.City) ([]fleet.AreaSeed, error) {
	for _, c := range s.tree[strings.ToUpper(country.ISOCode)] {
		if (city.Code != "" && strings.EqualFold(c.Code, city.Code)) || strings.EqualFold(c.Name, city.Name) {
			out := make([]fleet.AreaSeed, 0, len(c.Areas))
			for _, name := range c.Areas {
				out = append(out, fleet.AreaSeed{Name: name})
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("no areas configured for %s, %s", city.Name, country.ISOCode)
}
