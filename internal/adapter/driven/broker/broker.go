// Package broker selects and builds the integration variant for a broker.
// Selection dispatches on the catalog's protocol family, then the broker
// code, then which credential fields are present. A configuration no
// variant accepts is an error rather than a fallback.
package broker

import (
	"net/http"
	"strings"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/fints"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/ibkr"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/morganstanley"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/truewealth"
	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/viac"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.IntegrationFactory = (*Factory)(nil)

// Factory builds integrations. It is safe for concurrent use.
type Factory struct {
	httpClient *http.Client
	productID  string
	flexURL    string
}

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient makes every integration use c as its base client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.httpClient = c }
}

// WithFinTSProductID sets the FinTS product registration id.
func WithFinTSProductID(id string) Option {
	return func(f *Factory) { f.productID = id }
}

// WithFlexURL overrides the IBKR Flex Web Service endpoint.
func WithFlexURL(u string) Option {
	return func(f *Factory) { f.flexURL = u }
}

// NewFactory creates a Factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{flexURL: ibkr.FlexServiceURL}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New validates creds against the broker's credential schema and returns
// the matching variant. Failures are model.ErrUnsupportedConfiguration.
func (f *Factory) New(b model.Broker, creds model.Credentials) (driven.Integration, error) {
	if missing := creds.Missing(b.RequiredFields()); len(missing) > 0 {
		return nil, model.NewSyncError(model.KindUnsupportedConfiguration,
			"%s: missing credential fields: %s", b.Code, strings.Join(missing, ", "))
	}

	switch b.Family {
	case model.BrokerFamilyFinTS:
		if b.ServerURL == "" || b.BankCode == "" {
			return nil, unsupported(b, "catalog entry needs server_url and bank_code")
		}
		return build(fints.New(b.ServerURL, b.BankCode, creds, f.httpClient, fints.WithProductID(f.productID)))
	case model.BrokerFamilyREST:
		return f.rest(b, creds)
	case model.BrokerFamilyGraphQL:
		if b.Code == "morganstanley" {
			return build(morganstanley.New(baseURL(b, morganstanley.BaseURL), creds, f.httpClient))
		}
	}
	return nil, unsupported(b, "no integration for this broker")
}

func (f *Factory) rest(b model.Broker, creds model.Credentials) (driven.Integration, error) {
	switch b.Code {
	case "ibkr":
		return f.ibkr(b, creds)
	case "truewealth":
		return build(truewealth.New(baseURL(b, truewealth.BaseURL), creds, f.httpClient))
	case "viac":
		return build(viac.New(baseURL(b, viac.BaseURL), creds, f.httpClient))
	}
	return nil, unsupported(b, "no integration for this broker")
}

// ibkr picks Flex when a token and query id are present and the Client
// Portal Gateway otherwise. Half a Flex configuration is rejected.
func (f *Factory) ibkr(b model.Broker, creds model.Credentials) (driven.Integration, error) {
	hasToken, hasQuery := creds.Has("flex_token"), creds.Has("query_id")
	switch {
	case hasToken && hasQuery:
		return build(ibkr.NewFlex(f.flexURL, creds, f.httpClient))
	case hasToken || hasQuery:
		return nil, unsupported(b, "flex_token and query_id must be set together")
	case creds.Has("gateway_url"):
		return build(ibkr.NewGateway(creds.Get("gateway_url"), f.httpClient))
	case b.APIBaseURL != "":
		return build(ibkr.NewGateway(b.APIBaseURL, f.httpClient))
	}
	return nil, unsupported(b, "set flex_token and query_id, or gateway_url")
}

// build keeps a failed constructor's typed nil out of the interface.
func build[T driven.Integration](i T, err error) (driven.Integration, error) {
	if err != nil {
		return nil, err
	}
	return i, nil
}

func baseURL(b model.Broker, fallback string) string {
	if b.APIBaseURL != "" {
		return b.APIBaseURL
	}
	return fallback
}

func unsupported(b model.Broker, reason string) error {
	return model.NewSyncError(model.KindUnsupportedConfiguration, "%s (%s): %s", b.Code, b.Family, reason)
}
