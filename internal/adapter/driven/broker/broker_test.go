package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/fints"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/ibkr"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/morganstanley"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/truewealth"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/viac"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/catalog"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

func brokerFor(t *testing.T, code string) model.Broker {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	b, err := c.Get(code)
	require.NoError(t, err)
	return b
}

func TestFactory_SelectsVariant(t *testing.T) {
	f := NewFactory(WithFinTSProductID("TEST"))

	tests := []struct {
		name   string
		broker string
		creds  model.Credentials
		check  func(t *testing.T, i driven.Integration)
	}{
		{"fints", "dkb", model.Credentials{"username": "jane", "pin": "1234"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &fints.Integration{}, i)
		}},
		{"ibkr flex", "ibkr", model.Credentials{"flex_token": "t", "query_id": "q"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &ibkr.Flex{}, i)
			assert.False(t, i.HistoryNeedsExtraRequest())
		}},
		{"ibkr gateway from credentials", "ibkr", model.Credentials{"gateway_url": "https://localhost:5001"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &ibkr.Gateway{}, i)
		}},
		{"ibkr gateway from catalog", "ibkr", model.Credentials{}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &ibkr.Gateway{}, i)
		}},
		{"truewealth", "truewealth", model.Credentials{"username": "a", "password": "b"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &truewealth.Integration{}, i)
		}},
		{"viac", "viac", model.Credentials{"username": "+41791234567", "password": "b"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &viac.Integration{}, i)
		}},
		{"morgan stanley", "morganstanley", model.Credentials{"jwt_token": "x", "employee_id": "1"}, func(t *testing.T, i driven.Integration) {
			assert.IsType(t, &morganstanley.Integration{}, i)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, err := f.New(brokerFor(t, tt.broker), tt.creds)
			require.NoError(t, err)
			t.Cleanup(func() { _ = i.Close() })
			tt.check(t, i)
		})
	}
}

func TestFactory_RejectsUnsupportedConfiguration(t *testing.T) {
	f := NewFactory()

	tests := []struct {
		name   string
		broker model.Broker
		creds  model.Credentials
	}{
		{"missing required field", brokerFor(t, "dkb"), model.Credentials{"username": "jane"}},
		{"half a flex configuration", brokerFor(t, "ibkr"), model.Credentials{"flex_token": "t", "gateway_url": "https://localhost:5000"}},
		{"ibkr without any shape", model.Broker{Code: "ibkr", Family: model.BrokerFamilyREST}, model.Credentials{}},
		{"fints without bank code", model.Broker{Code: "x", Family: model.BrokerFamilyFinTS, ServerURL: "https://bank.example"}, model.Credentials{}},
		{"unknown rest broker", model.Broker{Code: "nope", Family: model.BrokerFamilyREST}, model.Credentials{}},
		{"unknown graphql broker", model.Broker{Code: "nope", Family: model.BrokerFamilyGraphQL}, model.Credentials{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, err := f.New(tt.broker, tt.creds)
			require.Error(t, err)
			assert.Nil(t, i)
			assert.True(t, errors.Is(err, model.ErrUnsupportedConfiguration))
		})
	}
}

func TestFactory_MissingFieldsAreNamed(t *testing.T) {
	_, err := NewFactory().New(brokerFor(t, "morganstanley"), model.Credentials{"jwt_token": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "employee_id")
}
