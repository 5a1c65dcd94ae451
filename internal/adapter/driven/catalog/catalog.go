// Package catalog serves the list of supported institutions from an
// embedded YAML document.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

//go:embed brokers.yaml
var defaultCatalog []byte

var _ driven.BrokerCatalog = (*Catalog)(nil)

type document struct {
	Brokers []model.Broker `yaml:"brokers"`
}

// Catalog is an immutable, in-memory BrokerCatalog.
type Catalog struct {
	byCode map[string]model.Broker
	codes  []string
}

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse builds a Catalog from YAML. Codes must be unique and every entry
// needs a known family.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse broker catalog: %w", err)
	}

	c := &Catalog{byCode: make(map[string]model.Broker, len(doc.Brokers))}
	for _, b := range doc.Brokers {
		if b.Code == "" {
			return nil, fmt.Errorf("broker catalog: entry %q has no code", b.Name)
		}
		if _, dup := c.byCode[b.Code]; dup {
			return nil, fmt.Errorf("broker catalog: duplicate code %q", b.Code)
		}
		switch b.Family {
		case model.BrokerFamilyFinTS, model.BrokerFamilyREST, model.BrokerFamilyGraphQL:
		default:
			return nil, fmt.Errorf("broker catalog: %q has unknown family %q", b.Code, b.Family)
		}
		c.byCode[b.Code] = b
		c.codes = append(c.codes, b.Code)
	}
	sort.Strings(c.codes)

	return c, nil
}

// Get returns driven.ErrBrokerNotFound for unknown codes.
func (c *Catalog) Get(code string) (model.Broker, error) {
	b, ok := c.byCode[code]
	if !ok {
		return model.Broker{}, fmt.Errorf("broker %q: %w", code, driven.ErrBrokerNotFound)
	}
	return b, nil
}

// List returns all brokers ordered by code.
func (c *Catalog) List() []model.Broker {
	out := make([]model.Broker, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, c.byCode[code])
	}
	return out
}
