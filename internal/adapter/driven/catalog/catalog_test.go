package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

func TestDefault_LoadsEmbeddedCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	dkb, err := c.Get("dkb")
	require.NoError(t, err)
	assert.Equal(t, model.BrokerFamilyFinTS, dkb.Family)
	assert.Equal(t, "12030000", dkb.BankCode)
	assert.Equal(t, []string{"username", "pin"}, dkb.RequiredFields())

	ibkr, err := c.Get("ibkr")
	require.NoError(t, err)
	assert.True(t, ibkr.SupportsAutoSync)
	assert.Empty(t, ibkr.RequiredFields(), "ibkr variants are chosen by credential shape")

	codes := make([]string, 0)
	for _, b := range c.List() {
		codes = append(codes, b.Code)
	}
	assert.IsIncreasing(t, codes)
}

func TestGet_Unknown(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, driven.ErrBrokerNotFound)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate code", "brokers:\n  - {code: a, family: rest}\n  - {code: a, family: rest}\n"},
		{"unknown family", "brokers:\n  - {code: a, family: soap}\n"},
		{"missing code", "brokers:\n  - {name: x, family: rest}\n"},
		{"bad yaml", "brokers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
