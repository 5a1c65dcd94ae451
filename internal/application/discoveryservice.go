package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// DiscoveryResult is the outcome of a discovery step. Accounts is set once
// authentication succeeded; SessionToken and Challenge while it waits.
type DiscoveryResult struct {
	State        model.AuthState
	SessionToken string
	Challenge    *model.Challenge
	Failure      *model.SyncError
	Accounts     []DiscoveredAccount
}

// DiscoveryService logs in with ad-hoc credentials to list the accounts an
// institution holds for them. Nothing is persisted except the parked session.
type DiscoveryService struct {
	catalog  driven.BrokerCatalog
	factory  driven.IntegrationFactory
	flow     *AuthFlow
	sessions *SessionManager
}

// NewDiscoveryService creates a DiscoveryService.
func NewDiscoveryService(catalog driven.BrokerCatalog, factory driven.IntegrationFactory, flow *AuthFlow, sessions *SessionManager) *DiscoveryService {
	return &DiscoveryService{catalog: catalog, factory: factory, flow: flow, sessions: sessions}
}

// Discover authenticates and lists accounts with their balances.
func (s *DiscoveryService) Discover(ctx context.Context, userID int64, brokerCode string, creds model.Credentials) (DiscoveryResult, error) {
	broker, err := s.catalog.Get(brokerCode)
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("broker %q: %w", brokerCode, err)
	}
	integration, err := s.factory.New(broker, creds)
	if err != nil {
		return DiscoveryResult{}, err
	}

	outcome, err := s.flow.Begin(ctx, integration)
	if err != nil {
		closeIntegration(integration, "")
		return DiscoveryResult{}, err
	}

	switch outcome.State {
	case model.AuthStateAuthenticated:
		defer closeIntegration(integration, "")
		return s.list(ctx, integration, broker)
	case model.AuthStateChallengeIssued:
		session, err := s.sessions.Open(ctx, model.SyncSession{
			UserID:     userID,
			BrokerCode: brokerCode,
			Purpose:    model.SessionPurposeDiscovery,
			State:      outcome.State,
			Challenge:  outcome.Challenge,
		}, integration)
		if err != nil {
			return DiscoveryResult{}, err
		}
		return DiscoveryResult{State: outcome.State, SessionToken: session.Token, Challenge: outcome.Challenge, Failure: outcome.Failure}, nil
	default:
		closeIntegration(integration, "")
		return DiscoveryResult{State: outcome.State, Failure: outcome.Failure}, nil
	}
}

// Complete answers the challenge of a parked discovery. Discovery
// credentials are never stored, so a session whose integration was lost
// cannot be resumed.
func (s *DiscoveryService) Complete(ctx context.Context, userID int64, token, code string) (DiscoveryResult, error) {
	lease, err := s.sessions.Acquire(ctx, token, nil)
	if err != nil {
		return DiscoveryResult{}, err
	}
	defer lease.Release()

	if lease.UserID != userID || lease.Purpose != model.SessionPurposeDiscovery || lease.Challenge == nil {
		return DiscoveryResult{}, model.NewSyncError(model.KindSessionExpired, "session is unknown or expired; start again")
	}

	outcome, err := s.flow.Complete(ctx, lease.Integration, *lease.Challenge, code)
	if model.KindOf(err) == model.KindMissingChallengeInput {
		return DiscoveryResult{}, err
	}
	if err != nil {
		lease.Abandon(ctx)
		return DiscoveryResult{}, err
	}

	switch outcome.State {
	case model.AuthStateChallengeIssued:
		lease.Challenge = outcome.Challenge
		if err := lease.Save(ctx); err != nil {
			return DiscoveryResult{}, err
		}
		return DiscoveryResult{State: outcome.State, SessionToken: token, Challenge: outcome.Challenge, Failure: outcome.Failure}, nil
	case model.AuthStateAuthenticated:
		broker, err := s.catalog.Get(lease.BrokerCode)
		if err != nil {
			lease.Abandon(ctx)
			return DiscoveryResult{}, fmt.Errorf("broker %q: %w", lease.BrokerCode, err)
		}
		integration := lease.Integration
		if err := lease.Finish(ctx); err != nil {
			slog.Warn("finish discovery session", "error", err)
		}
		defer closeIntegration(integration, token)
		return s.list(ctx, integration, broker)
	default:
		lease.Abandon(ctx)
		return DiscoveryResult{State: outcome.State, Failure: outcome.Failure}, nil
	}
}

func (s *DiscoveryService) list(ctx context.Context, integration driven.Integration, broker model.Broker) (DiscoveryResult, error) {
	infos, err := integration.Accounts(ctx)
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("list accounts at %s: %w", broker.Code, err)
	}

	found := make([]DiscoveredAccount, 0, len(infos))
	for _, info := range infos {
		d := DiscoveredAccount{
			ExternalID: info.ExternalID,
			Name:       info.Name,
			Type:       info.Type,
			Currency:   info.Currency,
		}
		if d.Currency == "" {
			d.Currency = broker.DefaultCurrency
		}

		b, err := integration.Balance(ctx, info.ExternalID)
		if err != nil {
			slog.Warn("discovery balance failed", "broker", broker.Code, "error", err)
		} else {
			balance, asOf := b.Balance, model.DateOnly(b.AsOf)
			d.Balance = &balance
			if !b.AsOf.IsZero() {
				d.AsOf = &asOf
			}
			if b.Currency != "" {
				d.Currency = b.Currency
			}
		}
		found = append(found, d)
	}

	slog.Info("accounts discovered", "broker", broker.Code, "count", len(found))
	return DiscoveryResult{State: model.AuthStateAuthenticated, Accounts: found}, nil
}
