package morganstanley

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("browser-secret"))
	require.NoError(t, err)
	return token
}

func newFakeGraphQL(t *testing.T, token string, holdingsFail bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors": [{"message": "Token signature verification failed"}]}`))
			return
		}
		if r.Header.Get("Employeeid") != "98765" {
			_, _ = w.Write([]byte(`{"errors": [{"message": "Unauthorized employee"}]}`))
			return
		}

		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		q, _ := req["query"].(string)
		switch {
		case strings.Contains(q, "portfolio"):
			_, _ = w.Write([]byte(`{"data": {"portfolio": {
				"availableValue": {"amount": 25000.75, "currency": "USD"},
				"unavailableValue": {"amount": 10000, "currency": "USD"}}}}`))
		case strings.Contains(q, "holdings"):
			if holdingsFail {
				_, _ = w.Write([]byte(`{"errors": [{"message": "Cannot query field \"holdings\""}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"data": {"holdings": [
				{"symbol": "MS", "name": "RSU 2024", "quantity": 100, "currentPrice": {"amount": 95.5, "currency": "USD"},
				 "marketValue": {"amount": 9550, "currency": "USD"}, "costBasis": {"amount": 8000}, "grantType": "RSU"}]}}`))
		case strings.Contains(q, "stockGrants"):
			_, _ = w.Write([]byte(`{"data": {"stockGrants": [
				{"symbol": "MS", "grantName": "ESPP", "vestedShares": 20, "currentPrice": 95.5, "vestedValue": 1910}]}}`))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestIntegration(t *testing.T, server *httptest.Server, creds model.Credentials) *Integration {
	t.Helper()
	i, err := New(server.URL, creds, server.Client())
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Close() })
	return i
}

func TestIntegration_ReadsPortfolio(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "1111", "exp": time.Now().Add(time.Hour).Unix()})
	server := newFakeGraphQL(t, token, false)
	i := newTestIntegration(t, server, model.Credentials{"jwt_token": "Bearer " + token, "employee_id": "98765"})
	ctx := context.Background()

	res, err := i.Authenticate(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)

	accounts, err := i.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "98765", accounts[0].ExternalID)
	assert.Equal(t, "USD", accounts[0].Currency)

	bal, err := i.Balance(ctx, "98765")
	require.NoError(t, err)
	assert.Equal(t, "25000.75", bal.Balance.String())
	assert.Equal(t, "10000", bal.Raw["unvestedValue"])

	positions, err := i.Positions(ctx, "98765")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "9550", positions[0].MarketValue.String())
	require.NotNil(t, positions[0].CostBasis)
	assert.Equal(t, model.AssetClassEquity, positions[0].AssetClass)
}

func TestIntegration_FallsBackToStockGrants(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"employeeId": "98765"})
	server := newFakeGraphQL(t, token, true)
	i := newTestIntegration(t, server, model.Credentials{"jwt_token": token})

	positions, err := i.Positions(context.Background(), "98765")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ESPP", positions[0].Name)
	assert.Equal(t, "20", positions[0].Quantity.String())
}

func TestAuthenticate_Failures(t *testing.T) {
	valid := signedToken(t, jwt.MapClaims{"sub": "1111"})
	expired := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})

	tests := []struct {
		name  string
		creds model.Credentials
		code  string
	}{
		{"no token", model.Credentials{"employee_id": "98765"}, "missing_jwt_token"},
		{"garbage token", model.Credentials{"jwt_token": "not-a-jwt", "employee_id": "98765"}, "malformed_jwt_token"},
		{"expired", model.Credentials{"jwt_token": expired, "employee_id": "98765"}, "jwt_expired"},
		{"no employee id and sub only", model.Credentials{"jwt_token": valid}, "missing_employee_id"},
	}

	server := newFakeGraphQL(t, valid, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestIntegration(t, server, tt.creds).Authenticate(context.Background())
			require.NoError(t, err)
			require.NotNil(t, res.Failure)
			assert.True(t, errors.Is(res.Failure, model.ErrInvalidCredentials))
			assert.Equal(t, tt.code, res.Failure.Code)
		})
	}
}

func TestQuery_RejectedTokenIsInvalidCredentials(t *testing.T) {
	server := newFakeGraphQL(t, "server-expects-another-token", false)
	token := signedToken(t, jwt.MapClaims{"employeeId": "98765"})
	i := newTestIntegration(t, server, model.Credentials{"jwt_token": token})

	_, err := i.Balance(context.Background(), "98765")
	assert.True(t, errors.Is(err, model.ErrInvalidCredentials))
	assert.Equal(t, "jwt_rejected", model.Code(err))

	_, err = i.Positions(context.Background(), "98765")
	assert.True(t, errors.Is(err, model.ErrInvalidCredentials))
}

func TestCompleteChallenge_AlwaysFails(t *testing.T) {
	server := newFakeGraphQL(t, "x", false)
	res, err := newTestIntegration(t, server, model.Credentials{}).CompleteChallenge(context.Background(), "123456", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.False(t, res.Success)
}
