package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	srv "github.com/quillpay/platform/libs/service"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
)

// PermissionAllowNegative lets a caller drive an account negative for one
// posting regardless of the account's own policy.
const PermissionAllowNegative = "allowNegative"

var (
	postingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_postings_total",
			Help: "Count of committed ledger transactions by type.",
		},
		[]string{"type"},
	)
	reconciliationDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_reconciliation_drift_total",
			Help: "Count of accounts whose materialized balance drifted from the log.",
		},
	)
)

func init() {
	prometheus.MustRegister(postingsTotal, reconciliationDrift)
}

// AccountRef names a logical account by its owner tuple. The physical id
// is derived, so referring to an account is enough to open it.
type AccountRef struct {
	OwnerType string `json:"ownerType"`
	OwnerID   string `json:"ownerId"`
	Subtype   string `json:"subtype"`
	Currency  string `json:"currency"`
}

// ID derives the deterministic account id
func (r AccountRef) ID() string {
	return AccountID(r.OwnerType, r.OwnerID, r.Subtype, r.Currency)
}

// UserMain refers to a user's main account in a currency
func UserMain(userID, currency string) AccountRef {
	return AccountRef{OwnerType: OwnerTypeUser, OwnerID: userID, Subtype: SubtypeMain, Currency: currency}
}

// UserBonus refers to a user's bonus sub-account in a currency
func UserBonus(userID, currency string) AccountRef {
	return AccountRef{OwnerType: OwnerTypeUser, OwnerID: userID, Subtype: SubtypeBonus, Currency: currency}
}

// BonusPool refers to a tenant's bonus pool account in a currency
func BonusPool(tenantID, currency string) AccountRef {
	return AccountRef{OwnerType: OwnerTypeSystem, OwnerID: tenantID, Subtype: SubtypeBonusPool, Currency: currency}
}

// Provider refers to a tenant's external processor settlement account in
// a currency. It absorbs money entering and leaving the platform.
func Provider(tenantID, currency string) AccountRef {
	return AccountRef{OwnerType: OwnerTypeSystem, OwnerID: tenantID, Subtype: SubtypeProvider, Currency: currency}
}

// conversionFloat is the per currency system account conversions route
// through so balances stay zero sum within each currency.
func conversionFloat(tenantID, currency string) AccountRef {
	return AccountRef{OwnerType: OwnerTypeSystem, OwnerID: tenantID, Subtype: SubtypeFloat, Currency: currency}
}

// PostParams describes one posting
type PostParams struct {
	TenantID    string              `json:"tenantId"`
	Type        string              `json:"type,omitempty"`
	From        AccountRef          `json:"from"`
	To          AccountRef          `json:"to"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	Rate        *Rate               `json:"rate,omitempty"`
	ExternalRef string             `json:"externalRef,omitempty"`
	Description string             `json:"description,omitempty"`
	Metadata    datastore.Metadata `json:"metadata,omitempty"`
}

// Service is the ledger engine
type Service struct {
	Datastore Datastore
	Rates     *RateService

	locks *keyedMutex
}

// NewService creates the ledger service
func NewService(ds Datastore, rates *RateService) *Service {
	return &Service{Datastore: ds, Rates: rates, locks: newKeyedMutex()}
}

// Post moves amount from one account to another as a balanced double
// entry. A repeated externalRef returns the original transaction.
func (s *Service) Post(ctx context.Context, params PostParams) (*Transaction, error) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, errorutils.Validation("amount must be positive", nil)
	}
	if params.From.Currency == "" {
		params.From.Currency = params.Currency
	}
	if params.To.Currency == "" {
		params.To.Currency = params.Currency
	}

	crossCurrency := params.From.Currency != params.To.Currency
	if crossCurrency {
		if params.Rate == nil {
			return nil, errorutils.Validation("cross currency posting requires an explicit rate", nil)
		}
		if params.Rate.From != params.From.Currency || params.Rate.To != params.To.Currency {
			return nil, errorutils.Validation("rate pair does not match posting currencies", nil)
		}
		if !params.Rate.Fresh() {
			return nil, errorutils.Precondition("exchange rate is stale", map[string]interface{}{
				"obtainedAt": params.Rate.ObtainedAt,
			})
		}
	}

	fromID := params.From.ID()
	toID := params.To.ID()
	if fromID == toID {
		return nil, errorutils.Validation("cannot post to the same account", map[string]interface{}{
			"code": "SameAccount",
		})
	}

	// idempotency fast path before taking any locks
	if params.ExternalRef != "" {
		existing, err := s.Datastore.GetTransactionByExternalRef(ctx, params.TenantID, params.ExternalRef)
		if err == nil {
			return existing, nil
		}
		if !errorutils.IsNotFound(err) {
			return nil, err
		}
	}

	txn := s.buildTransaction(params, crossCurrency)

	lockIDs := make([]string, 0, len(txn.Entries))
	for _, e := range txn.Entries {
		lockIDs = append(lockIDs, e.AccountID)
	}
	unlock := s.locks.LockAll(lockIDs...)
	defer unlock()

	out, err := s.Datastore.WithTransaction(ctx, func(txCtx context.Context) (interface{}, error) {
		if err := s.openAccounts(txCtx, params, crossCurrency); err != nil {
			return nil, err
		}
		if err := s.authorizeDebit(txCtx, fromID, params.Amount); err != nil {
			return nil, err
		}
		if err := s.Datastore.InsertTransaction(txCtx, txn); err != nil {
			return nil, err
		}
		if err := s.Datastore.ApplyEntries(txCtx, txn.Entries); err != nil {
			return nil, err
		}
		return txn, nil
	})
	if errorutils.KindOf(err) == errorutils.KindConflict && params.ExternalRef != "" {
		// lost the externalRef race, the winner's transaction is the answer
		return s.Datastore.GetTransactionByExternalRef(ctx, params.TenantID, params.ExternalRef)
	}
	if err != nil {
		return nil, err
	}

	postingsTotal.WithLabelValues(txn.Type).Inc()
	return out.(*Transaction), nil
}

// buildTransaction assembles the balanced entry set. Cross currency moves
// route through per currency conversion float accounts so each currency
// sums to zero on its own.
func (s *Service) buildTransaction(params PostParams, crossCurrency bool) *Transaction {
	txnType := params.Type
	if txnType == "" {
		txnType = TxnTypeTransfer
	}

	txn := &Transaction{
		ID:          uuid.NewV4().String(),
		TenantID:    params.TenantID,
		Type:        txnType,
		Status:      TxnStatusCommitted,
		ExternalRef: params.ExternalRef,
		Description: params.Description,
		Metadata:    params.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	if !crossCurrency {
		txn.Entries = []Entry{
			{AccountID: params.From.ID(), Direction: DirectionDebit, Amount: params.Amount, Currency: params.From.Currency},
			{AccountID: params.To.ID(), Direction: DirectionCredit, Amount: params.Amount, Currency: params.To.Currency},
		}
		return txn
	}

	converted := params.Amount.Mul(params.Rate.Rate)
	rate := params.Rate.Rate
	txn.Type = TxnTypeConversion
	txn.ExchangeRate = &rate

	floatFrom := conversionFloat(params.TenantID, params.From.Currency)
	floatTo := conversionFloat(params.TenantID, params.To.Currency)
	txn.Entries = []Entry{
		{AccountID: params.From.ID(), Direction: DirectionDebit, Amount: params.Amount, Currency: params.From.Currency},
		{AccountID: floatFrom.ID(), Direction: DirectionCredit, Amount: params.Amount, Currency: params.From.Currency},
		{AccountID: floatTo.ID(), Direction: DirectionDebit, Amount: converted, Currency: params.To.Currency},
		{AccountID: params.To.ID(), Direction: DirectionCredit, Amount: converted, Currency: params.To.Currency},
	}
	return txn
}

func (s *Service) openAccounts(ctx context.Context, params PostParams, crossCurrency bool) error {
	refs := []AccountRef{params.From, params.To}
	if crossCurrency {
		refs = append(refs,
			conversionFloat(params.TenantID, params.From.Currency),
			conversionFloat(params.TenantID, params.To.Currency))
	}
	for _, ref := range refs {
		allowNegative := ref.OwnerType == OwnerTypeSystem
		if _, err := s.Datastore.EnsureAccount(ctx, &Account{
			ID:            ref.ID(),
			TenantID:      params.TenantID,
			OwnerType:     ref.OwnerType,
			OwnerID:       ref.OwnerID,
			Subtype:       ref.Subtype,
			Currency:      ref.Currency,
			AllowNegative: allowNegative,
		}); err != nil {
			return err
		}
	}
	return nil
}

// authorizeDebit enforces the overdraft policy of the debit account. The
// allowNegative caller privilege overrides the account default.
func (s *Service) authorizeDebit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	account, err := s.Datastore.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	allowNegative := account.AllowNegative || appctx.HasPermission(ctx, PermissionAllowNegative)
	if allowNegative && account.CreditLimit == nil {
		return nil
	}

	held, err := s.Datastore.ActiveHoldsTotal(ctx, accountID)
	if err != nil {
		return err
	}
	available := account.Balance.Sub(held)
	remaining := available.Sub(amount)

	if allowNegative {
		if remaining.GreaterThanOrEqual(account.CreditLimit.Neg()) {
			return nil
		}
		return errorutils.Precondition("credit limit exceeded", map[string]interface{}{
			"available": available.String(), "creditLimit": account.CreditLimit.String(),
		})
	}
	if remaining.LessThan(decimal.Zero) {
		return errorutils.Precondition("insufficient funds", map[string]interface{}{
			"available": available.String(), "requested": amount.String(),
		})
	}
	return nil
}

// GetBalance returns the balance view for an account
func (s *Service) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	account, err := s.Datastore.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	held, err := s.Datastore.ActiveHoldsTotal(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID:        account.ID,
		Currency:         account.Currency,
		Balance:          account.Balance,
		AvailableBalance: account.Balance.Sub(held),
		PendingIn:        decimal.Zero,
		PendingOut:       held,
	}, nil
}

// HoldParams describes a hold request
type HoldParams struct {
	TenantID  string          `json:"tenantId"`
	Account   AccountRef      `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// CreateHold earmarks funds on an account without moving them
func (s *Service) CreateHold(ctx context.Context, params HoldParams) (*Hold, error) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, errorutils.Validation("amount must be positive", nil)
	}

	accountID := params.Account.ID()
	unlock := s.locks.LockAll(accountID)
	defer unlock()

	account, err := s.Datastore.EnsureAccount(ctx, &Account{
		ID:        accountID,
		TenantID:  params.TenantID,
		OwnerType: params.Account.OwnerType,
		OwnerID:   params.Account.OwnerID,
		Subtype:   params.Account.Subtype,
		Currency:  params.Account.Currency,
	})
	if err != nil {
		return nil, err
	}

	if !account.AllowNegative {
		held, err := s.Datastore.ActiveHoldsTotal(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account.Balance.Sub(held).LessThan(params.Amount) {
			return nil, errorutils.Precondition("insufficient funds for hold", map[string]interface{}{
				"available": account.Balance.Sub(held).String(),
			})
		}
	}

	now := time.Now().UTC()
	hold := &Hold{
		ID:        uuid.NewV4().String(),
		TenantID:  params.TenantID,
		AccountID: accountID,
		Amount:    params.Amount,
		Currency:  params.Account.Currency,
		Reason:    params.Reason,
		Status:    HoldStatusActive,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Datastore.InsertHold(ctx, hold); err != nil {
		return nil, err
	}
	return hold, nil
}

// Capture converts an active hold into a posting to the target account
// supplied at capture time.
func (s *Service) Capture(ctx context.Context, holdID string, to AccountRef, externalRef string) (*Transaction, error) {
	hold, err := s.Datastore.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	source, err := s.Datastore.GetAccount(ctx, hold.AccountID)
	if err != nil {
		return nil, err
	}

	if externalRef == "" {
		externalRef = "capture:" + hold.ID
	}

	if err := s.Datastore.TransitionHold(ctx, hold.ID, HoldStatusActive, HoldStatusCaptured); err != nil {
		return nil, err
	}

	// the hold already reserved the funds; the posting must not be blocked
	// by the availability check it reserved against
	postCtx := context.WithValue(ctx, appctx.PermissionsCTXKey, []string{PermissionAllowNegative})
	txn, err := s.Post(postCtx, PostParams{
		TenantID: hold.TenantID,
		Type:     TxnTypeCapture,
		From: AccountRef{
			OwnerType: source.OwnerType, OwnerID: source.OwnerID,
			Subtype: source.Subtype, Currency: source.Currency,
		},
		To:          to,
		Amount:      hold.Amount,
		Currency:    hold.Currency,
		ExternalRef: externalRef,
		Metadata:    map[string]interface{}{"holdId": hold.ID},
	})
	if err != nil {
		// return the hold to active so the funds are not stranded
		_ = s.Datastore.TransitionHold(appctx.Detach(ctx), hold.ID, HoldStatusCaptured, HoldStatusActive)
		return nil, err
	}
	return txn, nil
}

// Release returns held funds to available
func (s *Service) Release(ctx context.Context, holdID string) error {
	return s.Datastore.TransitionHold(ctx, holdID, HoldStatusActive, HoldStatusReleased)
}

// Reverse appends an opposing transaction and marks the original
// reversed. The original is never deleted. Reversal is idempotent via a
// derived externalRef.
func (s *Service) Reverse(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	original, err := s.Datastore.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if original.Status == TxnStatusReversed {
		// replay: converge on the reversal that already happened
		return s.Datastore.GetTransactionByExternalRef(ctx, original.TenantID, "reversal:"+original.ID)
	}
	if original.Status != TxnStatusCommitted {
		return nil, errorutils.Precondition("transaction is not reversible", map[string]interface{}{
			"status": original.Status,
		})
	}

	reversal := &Transaction{
		ID:          uuid.NewV4().String(),
		TenantID:    original.TenantID,
		Type:        TxnTypeReversal,
		Status:      TxnStatusCommitted,
		ExternalRef: "reversal:" + original.ID,
		ReversalOf:  original.ID,
		Description: reason,
		CreatedAt:   time.Now().UTC(),
	}
	for _, e := range original.Entries {
		direction := DirectionDebit
		if e.Direction == DirectionDebit {
			direction = DirectionCredit
		}
		reversal.Entries = append(reversal.Entries, Entry{
			AccountID: e.AccountID, Direction: direction, Amount: e.Amount, Currency: e.Currency,
		})
	}

	lockIDs := make([]string, 0, len(reversal.Entries))
	for _, e := range reversal.Entries {
		lockIDs = append(lockIDs, e.AccountID)
	}
	unlock := s.locks.LockAll(lockIDs...)
	defer unlock()

	out, err := s.Datastore.WithTransaction(ctx, func(txCtx context.Context) (interface{}, error) {
		if err := s.Datastore.InsertTransaction(txCtx, reversal); err != nil {
			return nil, err
		}
		if err := s.Datastore.ApplyEntries(txCtx, reversal.Entries); err != nil {
			return nil, err
		}
		if err := s.Datastore.MarkTransactionReversed(txCtx, original.ID); err != nil {
			return nil, err
		}
		return reversal, nil
	})
	if errorutils.KindOf(err) == errorutils.KindConflict {
		// already reversed by a concurrent caller
		return s.Datastore.GetTransactionByExternalRef(ctx, original.TenantID, reversal.ExternalRef)
	}
	if err != nil {
		return nil, err
	}

	postingsTotal.WithLabelValues(TxnTypeReversal).Inc()
	return out.(*Transaction), nil
}

// Convert quotes a conversion without moving funds
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, *Rate, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil, errorutils.Validation("amount must be positive", nil)
	}
	rate, err := s.Rates.GetRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return amount.Mul(rate.Rate), rate, nil
}

// ExpireHolds flips lapsed holds to expired, returning their funds to
// available. Runs as a job.
func (s *Service) ExpireHolds(ctx context.Context) (bool, error) {
	logger := logging.Logger(ctx, "ledger.ExpireHolds")

	holds, err := s.Datastore.ListExpiredHolds(ctx, time.Now().UTC(), 100)
	if err != nil {
		return false, err
	}
	for _, hold := range holds {
		if err := s.Datastore.TransitionHold(ctx, hold.ID, HoldStatusActive, HoldStatusExpired); err != nil {
			if errorutils.KindOf(err) == errorutils.KindPrecondition {
				// captured or released since listing
				continue
			}
			return true, err
		}
		logger.Info().Str("holdId", hold.ID).Str("accountId", hold.AccountID).Msg("hold expired")
	}
	return len(holds) > 0, nil
}

// Reconcile recomputes balances from the log and reports drift. It never
// corrects; drift means a bug and correction would hide it.
func (s *Service) Reconcile(ctx context.Context) (bool, error) {
	logger := logging.Logger(ctx, "ledger.Reconcile")

	computed, err := s.Datastore.RecomputeBalances(ctx)
	if err != nil {
		return false, err
	}

	afterID := ""
	for {
		accounts, err := s.Datastore.ListAccounts(ctx, 500, afterID)
		if err != nil {
			return true, err
		}
		if len(accounts) == 0 {
			break
		}
		for _, account := range accounts {
			expected := computed[account.ID]
			if !account.Balance.Equal(expected) {
				reconciliationDrift.Inc()
				logger.Error().
					Str("accountId", account.ID).
					Str("materialized", account.Balance.String()).
					Str("recomputed", expected.String()).
					Msg("balance drift detected")
			}
		}
		afterID = accounts[len(accounts)-1].ID
	}
	return true, nil
}

// Jobs returns the ledger background jobs
func (s *Service) Jobs() []srv.Job {
	return []srv.Job{
		{Func: s.ExpireHolds, Workers: 1, Cadence: time.Minute},
		{Func: s.Reconcile, Workers: 1, Cadence: time.Hour},
	}
}
