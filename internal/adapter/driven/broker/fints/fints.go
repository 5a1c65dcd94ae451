// Package fints talks to German banks over FinTS 3.0 PIN/TAN: it
// synchronizes a customer system id, picks a TAN mechanism, opens a dialog,
// answers manual or decoupled TAN challenges and reads SEPA accounts and
// balances.
package fints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var (
	_ driven.Integration = (*Integration)(nil)
	_ driven.Suspender   = (*Integration)(nil)
)

// decoupledMechanism is the security function DKB and most savings banks
// assign to app approval. Numbers are bank assigned, so selecting it is a
// heuristic; return code 3955 is authoritative when the bank sends it.
const decoupledMechanism = "940"

const (
	productVersion = "1.0"
	closeTimeout   = 10 * time.Second
	defaultCcy     = "EUR"
)

const decoupledInstructions = "Open your **banking app** and approve the login request.\n\n" +
	"This page keeps checking for the approval; no code is needed."

var errNotAuthenticated = errors.New("fints: dialog not authenticated")

var errTANRequired = model.CodedError(model.KindProtocol, codeTANRequired,
	"the bank asks for a TAN for this request; sync the account interactively")

// Integration is one FinTS dialog with a bank.
type Integration struct {
	dialog dialog

	preferred  string // Mechanism requested in the credentials, if any.
	mechanisms []string
	mechanism  string

	taskRef       string
	challenge     string
	decoupled     bool
	authenticated bool

	accounts []sepaAccount
	details  map[string]accountDetails // By IBAN, from the user parameter data.

	life kit.Lifecycle
}

// Option configures an Integration.
type Option func(*Integration)

// WithProductID sets the product registration id banks require from
// FinTS clients.
func WithProductID(id string) Option {
	return func(i *Integration) { i.dialog.productID = id }
}

// New creates an Integration for the bank identified by bankCode (BLZ)
// serving FinTS at serverURL. httpClient may be nil.
func New(serverURL, bankCode string, creds model.Credentials, httpClient *http.Client, opts ...Option) (*Integration, error) {
	client, err := kit.NewClient(serverURL, kit.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	if bankCode == "" {
		return nil, model.NewSyncError(model.KindUnsupportedConfiguration, "bank code is required for FinTS")
	}

	customerID := creds.Get("customer_id")
	if customerID == "" {
		customerID = creds.Get("username")
	}
	i := &Integration{
		dialog: dialog{
			client:         client,
			url:            serverURL,
			bankCode:       bankCode,
			userID:         creds.Get("username"),
			customerID:     customerID,
			pin:            creds.Get("pin"),
			productVersion: productVersion,
			systemID:       "0",
			dialogID:       "0",
			now:            time.Now,
		},
		preferred: creds.Get("tan_mechanism"),
		details:   map[string]accountDetails{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Authenticate starts a fresh dialog, ending any earlier one. It returns a
// manual or decoupled TAN challenge when the bank asks for strong customer
// authentication. Decoupled approval is not polled here.
func (i *Integration) Authenticate(ctx context.Context) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	if i.dialog.userID == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_username", "login name is required")), nil
	}
	if i.dialog.pin == "" {
		return model.AuthFailed(model.CodedError(model.KindInvalidCredentials, "missing_pin", "PIN is required")), nil
	}

	i.authenticated = false
	i.taskRef, i.challenge, i.decoupled = "", "", false
	i.accounts = nil
	if i.dialog.open() {
		i.endDialog(ctx)
	}

	if i.dialog.systemID == "0" || i.mechanism == "" {
		if err := i.synchronize(ctx); err != nil {
			return i.failure(err)
		}
	}

	i.dialog.reset()
	i.dialog.secFunc = i.mechanism
	segments := []outSegment{i.identification(), i.processPreparation()}
	if i.mechanism != singleStep {
		segments = append(segments, newSegment("HKTAN", 7, "4", "HKIDN"))
	}
	resp, err := i.dialog.send(ctx, "", segments...)
	if err != nil {
		return i.failure(err)
	}
	i.readUserParameters(resp)
	return i.afterTAN(resp), nil
}

// synchronize runs a one-step dialog that obtains a customer system id and
// the TAN mechanisms allowed for this login.
func (i *Integration) synchronize(ctx context.Context) error {
	i.dialog.reset()
	i.dialog.systemID = "0"
	i.dialog.secFunc = singleStep

	resp, err := i.dialog.send(ctx, "", i.identification(), i.processPreparation(), newSegment("HKSYN", 3, "0"))
	if err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}
	if s, ok := resp.find("HISYN"); ok && s.get(1, 0) != "" {
		i.dialog.systemID = s.get(1, 0)
	}
	i.mechanisms = resp.params(codeAllowedMethods)
	i.mechanism = chooseMechanism(i.mechanisms, i.preferred)
	i.readUserParameters(resp)
	slog.Debug("fints mechanisms", "bank", i.dialog.bankCode, "allowed", i.mechanisms, "selected", i.mechanism)

	i.endDialog(ctx)
	return nil
}

// chooseMechanism picks the configured mechanism when the bank allows it,
// then the decoupled one, then the first two-step mechanism offered.
func chooseMechanism(allowed []string, preferred string) string {
	if preferred != "" && slices.Contains(allowed, preferred) {
		return preferred
	}
	if slices.Contains(allowed, decoupledMechanism) {
		return decoupledMechanism
	}
	for _, m := range allowed {
		if m != singleStep {
			return m
		}
	}
	return singleStep
}

func (i *Integration) identification() outSegment {
	return newSegment("HKIDN", 2, Group{countryCode, i.dialog.bankCode}, i.dialog.customerID, i.dialog.systemID, "1")
}

func (i *Integration) processPreparation() outSegment {
	return newSegment("HKVVB", 3, "0", "0", "0", i.dialog.productID, i.dialog.productVersion)
}

func (i *Integration) afterTAN(resp *response) model.AuthResult {
	if !resp.has(codeTANRequired) {
		i.authenticated = true
		i.taskRef = ""
		return model.Authenticated()
	}

	if hitan, ok := resp.find("HITAN"); ok {
		i.taskRef = hitan.get(3, 0)
		if text := hitan.get(4, 0); text != "" {
			i.challenge = text
		}
	}
	i.decoupled = resp.has(codeDecoupled) || i.mechanism == decoupledMechanism
	return model.ChallengeRequired(i.currentChallenge())
}

func (i *Integration) currentChallenge() model.Challenge {
	c := model.Challenge{Kind: model.ChallengeTAN, Prompt: i.challenge, Continuation: i.state()}
	if i.decoupled {
		c.Kind = model.ChallengeDecoupled
		if c.Prompt == "" {
			c.Prompt = "Approve the login in your banking app."
		}
		c.HTML = kit.RenderInstructions(decoupledInstructions)
		return c
	}
	if c.Prompt == "" {
		c.Prompt = "Enter the TAN for this login."
	} else {
		c.HTML = kit.SanitizeHTML(i.challenge)
	}
	return c
}

// CompleteChallenge submits a TAN, or for decoupled challenges checks the
// approval status once. A pending approval returns the same challenge.
// Without a pending task, e.g. after resuming from configuration only, the
// challenge is issued again.
func (i *Integration) CompleteChallenge(ctx context.Context, code string, continuation model.Continuation) (model.AuthResult, error) {
	if err := i.life.Check(); err != nil {
		return model.AuthResult{}, err
	}
	i.apply(continuation)
	if i.authenticated {
		return model.Authenticated(), nil
	}
	if i.taskRef == "" || !i.dialog.open() {
		return i.Authenticate(ctx)
	}

	if i.decoupled {
		resp, err := i.dialog.send(ctx, "", newSegment("HKTAN", 7, "S", nil, nil, nil, i.taskRef, "N"))
		if err != nil {
			return i.failure(err)
		}
		if resp.has(codeDecoupledWaiting) {
			return model.ChallengeRequired(i.currentChallenge()), nil
		}
		return i.finish(), nil
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return model.AuthFailed(model.NewSyncError(model.KindMissingChallengeInput, "a TAN is required for this login")), nil
	}
	if _, err := i.dialog.send(ctx, code, newSegment("HKTAN", 7, "2", nil, nil, nil, i.taskRef, "N")); err != nil {
		return i.failure(err)
	}
	return i.finish(), nil
}

func (i *Integration) finish() model.AuthResult {
	i.authenticated = true
	i.taskRef = ""
	return model.Authenticated()
}

func (i *Integration) failure(err error) (model.AuthResult, error) {
	if se, ok := kit.AsSyncError(err); ok {
		return model.AuthFailed(se), nil
	}
	return model.AuthResult{}, err
}

// Continuation keys.
const (
	keyDialogID  = "dialog_id"
	keyMessage   = "message_number"
	keySystemID  = "system_id"
	keyMechanism = "tan_mechanism"
	keyTaskRef   = "task_reference"
	keyDecoupled = "decoupled"
	keyChallenge = "challenge"
)

func (i *Integration) state() model.Continuation {
	return model.Continuation{
		keyDialogID:  i.dialog.dialogID,
		keyMessage:   strconv.Itoa(i.dialog.msgNum),
		keySystemID:  i.dialog.systemID,
		keyMechanism: i.mechanism,
		keyTaskRef:   i.taskRef,
		keyDecoupled: strconv.FormatBool(i.decoupled),
		keyChallenge: i.challenge,
	}
}

// apply restores dialog state captured by state. Blank values keep what
// the instance already has.
func (i *Integration) apply(c model.Continuation) {
	if v := c[keySystemID]; v != "" {
		i.dialog.systemID = v
	}
	if v := c[keyMechanism]; v != "" {
		i.mechanism = v
		i.dialog.secFunc = v
	}
	if v := c[keyDialogID]; v != "" && v != "0" {
		i.dialog.dialogID = v
		if n, err := strconv.Atoi(c[keyMessage]); err == nil {
			i.dialog.msgNum = n
		}
	}
	if v := c[keyTaskRef]; v != "" {
		i.taskRef = v
	}
	if v, err := strconv.ParseBool(c[keyDecoupled]); err == nil && c[keyTaskRef] != "" {
		i.decoupled = v
	}
	if v := c[keyChallenge]; v != "" {
		i.challenge = v
	}
}

// Suspend captures the dialog so another instance can continue it.
func (i *Integration) Suspend() (model.Continuation, error) {
	if err := i.life.Check(); err != nil {
		return nil, err
	}
	return i.state(), nil
}

// Resume adopts a suspended dialog. State without a dialog id is accepted;
// the next CompleteChallenge then issues a new challenge.
func (i *Integration) Resume(_ context.Context, state model.Continuation) error {
	if err := i.life.Check(); err != nil {
		return err
	}
	i.apply(state)
	return nil
}

func (i *Integration) ready() error {
	if err := i.life.Check(); err != nil {
		return err
	}
	if !i.authenticated || !i.dialog.open() {
		return errNotAuthenticated
	}
	return nil
}

type sepaAccount struct {
	IBAN     string
	BIC      string
	Number   string
	Sub      string
	BankCode string
}

// kti is the international account connection used by HKSAL version 7.
func (a sepaAccount) kti() Group {
	return Group{a.IBAN, a.BIC, a.Number, a.Sub, countryCode, a.BankCode}
}

type accountDetails struct {
	Name     string
	Currency string
	Type     model.AccountType
}

// readUserParameters records account names and types from HIUPD segments.
func (i *Integration) readUserParameters(resp *response) {
	for _, s := range resp.findAll("HIUPD") {
		iban := s.get(2, 0)
		if iban == "" {
			continue
		}
		name := s.get(8, 0)
		if name == "" {
			name = strings.TrimSpace(s.get(6, 0) + " " + s.get(7, 0))
		}
		i.details[iban] = accountDetails{Name: name, Currency: s.get(5, 0), Type: accountTypeFor(s.get(4, 0))}
	}
}

// accountTypeFor maps the FinTS account kind, which is grouped in ranges
// of ten.
func accountTypeFor(kind string) model.AccountType {
	n, err := strconv.Atoi(kind)
	if err != nil {
		return model.AccountTypeChecking
	}
	switch {
	case n >= 1 && n <= 9:
		return model.AccountTypeChecking
	case n >= 10 && n <= 29:
		return model.AccountTypeSavings
	case n >= 30 && n <= 39:
		return model.AccountTypeBrokerage
	default:
		return model.AccountTypeOther
	}
}

func (i *Integration) sepaAccounts(ctx context.Context) ([]sepaAccount, error) {
	if i.accounts != nil {
		return i.accounts, nil
	}
	resp, err := i.dialog.send(ctx, "", newSegment("HKSPA", 1))
	if err != nil {
		return nil, fmt.Errorf("fetch sepa accounts: %w", err)
	}
	if resp.has(codeTANRequired) {
		return nil, errTANRequired
	}

	accounts := []sepaAccount{}
	for _, s := range resp.findAll("HISPA") {
		for _, el := range s.elements[1:] {
			if len(el) < 7 || el[1] == "" {
				continue
			}
			accounts = append(accounts, sepaAccount{IBAN: el[1], BIC: el[2], Number: el[3], Sub: el[4], BankCode: el[6]})
		}
	}
	i.accounts = accounts
	return accounts, nil
}

// Accounts lists the SEPA accounts of the login.
func (i *Integration) Accounts(ctx context.Context) ([]model.AccountInfo, error) {
	if err := i.ready(); err != nil {
		return nil, err
	}
	accounts, err := i.sepaAccounts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		info := model.AccountInfo{
			ExternalID: a.IBAN,
			Name:       a.IBAN,
			Type:       model.AccountTypeChecking,
			Currency:   defaultCcy,
			Raw:        map[string]any{"bic": a.BIC, "account_number": a.Number},
		}
		if d, ok := i.details[a.IBAN]; ok {
			if d.Name != "" {
				info.Name = d.Name
			}
			if d.Currency != "" {
				info.Currency = d.Currency
			}
			info.Type = d.Type
		}
		out = append(out, info)
	}
	return out, nil
}

// Balance reads the booked balance of the account with the given IBAN.
// Debit balances are negative.
func (i *Integration) Balance(ctx context.Context, iban string) (model.BalanceInfo, error) {
	if err := i.ready(); err != nil {
		return model.BalanceInfo{}, err
	}
	accounts, err := i.sepaAccounts(ctx)
	if err != nil {
		return model.BalanceInfo{}, err
	}
	idx := slices.IndexFunc(accounts, func(a sepaAccount) bool { return strings.EqualFold(a.IBAN, iban) })
	if idx < 0 {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "account %s is not offered by the bank", iban)
	}

	resp, err := i.dialog.send(ctx, "", newSegment("HKSAL", 7, accounts[idx].kti(), "N"))
	if err != nil {
		return model.BalanceInfo{}, fmt.Errorf("fetch balance: %w", err)
	}
	if resp.has(codeTANRequired) {
		return model.BalanceInfo{}, errTANRequired
	}
	hisal, ok := resp.find("HISAL")
	if !ok {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "bank returned no balance for %s", iban)
	}
	return parseBalance(hisal)
}

// parseBalance reads HISAL: booked balance is element 4 as
// sign:amount:currency:date, available amount element 7 as amount:currency.
func parseBalance(s segment) (model.BalanceInfo, error) {
	booked := s.element(4)
	if len(booked) < 3 {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "malformed balance %q", strings.Join(booked, ":"))
	}
	amount, err := parseAmount(booked[1])
	if err != nil {
		return model.BalanceInfo{}, model.NewSyncError(model.KindProtocol, "malformed balance amount %q", booked[1])
	}
	if booked[0] == "D" {
		amount = amount.Neg()
	}

	info := model.BalanceInfo{
		Balance:  amount,
		Currency: booked[2],
		AsOf:     kit.Today(),
		Raw:      map[string]any{"product": s.get(2, 0), "booked": strings.Join(booked, ":")},
	}
	if info.Currency == "" {
		info.Currency = s.get(3, 0)
	}
	if len(booked) > 3 {
		if d, err := time.Parse("20060102", booked[3]); err == nil {
			info.AsOf = d
		}
	}
	if v := s.get(7, 0); v != "" {
		if available, err := parseAmount(v); err == nil {
			info.Available = &available
		}
	}
	return info, nil
}

// parseAmount reads FinTS amounts, which use a decimal comma.
func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.Replace(strings.TrimSpace(s), ",", ".", 1))
}

// Positions is unsupported; securities accounts would need HKWPD.
func (i *Integration) Positions(context.Context, string) ([]model.PositionInfo, error) {
	return nil, nil
}

// HistoricalBalances is unsupported.
func (i *Integration) HistoricalBalances(context.Context, string, time.Time, time.Time) ([]model.BalanceInfo, error) {
	return nil, nil
}

func (i *Integration) SupportsHistory() bool          { return false }
func (i *Integration) HistoryNeedsExtraRequest() bool { return true }

func (i *Integration) endDialog(ctx context.Context) {
	if _, err := i.dialog.send(ctx, "", newSegment("HKEND", 1, i.dialog.dialogID)); err != nil {
		slog.Warn("fints dialog end failed", "bank", i.dialog.bankCode, "error", err)
	}
	i.dialog.reset()
}

// Detach forgets the PIN without sending HKEND. The dialog captured by
// Suspend stays open at the bank for the instance that resumes it.
func (i *Integration) Detach() error {
	return i.life.Close(func() error {
		i.dialog.pin = ""
		i.authenticated = false
		return nil
	})
}

// Close ends an open dialog and forgets the PIN.
func (i *Integration) Close() error {
	return i.life.Close(func() error {
		if i.dialog.open() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			i.endDialog(ctx)
		}
		i.dialog.pin = ""
		i.authenticated = false
		return nil
	})
}
