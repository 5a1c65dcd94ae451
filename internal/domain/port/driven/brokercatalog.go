package driven

import (
	"errors"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// ErrBrokerNotFound indicates no catalog entry has the requested code.
var ErrBrokerNotFound = errors.New("broker not found")

// BrokerCatalog defines the driven port for the list of supported institutions.
type BrokerCatalog interface {
	Get(code string) (model.Broker, error)
	List() []model.Broker
}
