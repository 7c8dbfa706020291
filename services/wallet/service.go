package wallet

import (
	"context"
	"time"

	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/services/bonus"
	"github.com/quillpay/platform/services/event"
	"github.com/quillpay/platform/services/ledger"
	"github.com/quillpay/platform/services/registry"
	"github.com/quillpay/platform/services/saga"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
)

type walletCTXKey string

const (
	providerRefCTXKey walletCTXKey = "provider_ref"
	transactionCTXKey walletCTXKey = "transaction"
)

// BonusEngine is the slice of the bonus service the wallet drives
type BonusEngine interface {
	Process(ctx context.Context, bonusType string, params bonus.QualifyParams) (*bonus.ProcessResult, error)
}

// Service drives wallet projections and the money movement sagas
type Service struct {
	Datastore Datastore
	Ledger    *ledger.Service
	Registry  *registry.Service
	Bonus     BonusEngine
	Events    *event.Dispatcher
	Sagas     *saga.Engine
	Processor Processor
}

// NewService creates the wallet service
func NewService(ds Datastore, led *ledger.Service, reg *registry.Service, bon BonusEngine, events *event.Dispatcher, sagas *saga.Engine, processor Processor) *Service {
	return &Service{
		Datastore: ds,
		Ledger:    led,
		Registry:  reg,
		Bonus:     bon,
		Events:    events,
		Sagas:     sagas,
		Processor: processor,
	}
}

// GetView assembles the wallet projection for a user and currency
func (s *Service) GetView(ctx context.Context, tenantID, userID, currency string) (*View, error) {
	view := &View{UserID: userID, TenantID: tenantID, Currency: currency}

	main, err := s.Ledger.GetBalance(ctx, ledger.UserMain(userID, currency).ID())
	if err != nil && !errorutils.IsNotFound(err) {
		return nil, err
	}
	if main != nil {
		view.RealBalance = main.Balance
		view.LockedAmount = main.PendingOut
		view.AvailableBalance = main.AvailableBalance
	}

	bonusBal, err := s.Ledger.GetBalance(ctx, ledger.UserBonus(userID, currency).ID())
	if err != nil && !errorutils.IsNotFound(err) {
		return nil, err
	}
	if bonusBal != nil {
		view.BonusBalance = bonusBal.Balance
	}

	stats, err := s.Datastore.GetStats(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	view.TotalDeposited = stats.TotalDeposited
	view.TotalWithdrawn = stats.TotalWithdrawn
	view.DepositCount = stats.DepositCount
	view.WithdrawalCount = stats.WithdrawalCount
	if !stats.LastActivityAt.IsZero() {
		t := stats.LastActivityAt
		view.LastActivityAt = &t
	}
	return view, nil
}

// Deposit charges the processor and credits the user's real balance. The
// saga id doubles as the ledger idempotency key, so a retried saga cannot
// double credit.
func (s *Service) Deposit(ctx context.Context, params DepositParams) (*SagaResult, *ledger.Transaction) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return failedResult("", errorutils.Validation("amount must be positive", nil)), nil
	}

	// a redelivered request with a known idempotency key already moved the
	// money; short circuit before the processor is charged again
	if txn := s.replayedTransaction(ctx, params.TenantID, params.IdempotencyKey); txn != nil {
		return &SagaResult{Success: true, SagaID: params.IdempotencyKey, Transaction: txn}, txn
	}

	def := saga.Definition{
		Name: "wallet.deposit",
		Steps: []saga.Step{
			{
				Name: "charge",
				Execute: func(ctx context.Context) (context.Context, error) {
					providerRef, err := s.Processor.Charge(ctx, params)
					if err != nil {
						return nil, err
					}
					return context.WithValue(ctx, providerRefCTXKey, providerRef), nil
				},
				Compensate: func(ctx context.Context) error {
					ref, _ := ctx.Value(providerRefCTXKey).(string)
					if ref == "" {
						return nil
					}
					return s.Processor.Refund(ctx, ref)
				},
			},
			{
				Name: "post",
				Execute: func(ctx context.Context) (context.Context, error) {
					providerRef, _ := ctx.Value(providerRefCTXKey).(string)
					txn, err := s.Ledger.Post(ctx, ledger.PostParams{
						TenantID:    params.TenantID,
						From:        ledger.Provider(params.TenantID, params.Currency),
						To:          ledger.UserMain(params.UserID, params.Currency),
						Amount:      params.Amount,
						Currency:    params.Currency,
						ExternalRef: appctx.GetSagaID(ctx),
						Description: "deposit via " + params.Method,
						Metadata:    datastore.Metadata{"providerRef": providerRef},
					})
					if err != nil {
						return nil, err
					}
					return context.WithValue(ctx, transactionCTXKey, txn), nil
				},
				Compensate: func(ctx context.Context) error {
					txn, _ := ctx.Value(transactionCTXKey).(*ledger.Transaction)
					if txn == nil {
						return nil
					}
					_, err := s.Ledger.Reverse(ctx, txn.ID, "deposit saga compensation")
					return err
				},
			},
		},
	}

	result := s.Sagas.Execute(ctx, def, sagaOptions(params.IdempotencyKey)...)
	if !result.Success {
		return failedResult(result.SagaID, result.Err), nil
	}

	txn, _ := result.Context.Value(transactionCTXKey).(*ledger.Transaction)
	s.finalizeDeposit(ctx, params, txn)

	return &SagaResult{
		Success:         true,
		SagaID:          result.SagaID,
		Transaction:     txn,
		ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
	}, txn
}

// finalizeDeposit runs the post commit side effects: stats, the deposit
// event, the bonus trigger and the first deposit flag. Money already
// moved, so failures here are logged, never unwound.
func (s *Service) finalizeDeposit(ctx context.Context, params DepositParams, txn *ledger.Transaction) {
	logger := logging.Logger(ctx, "wallet.finalizeDeposit")

	if err := s.Datastore.RecordDeposit(ctx, params.TenantID, params.UserID, params.Currency, params.Amount); err != nil {
		logger.Error().Err(err).Msg("failed to record deposit stats")
	}

	payload := map[string]interface{}{
		"userId":        params.UserID,
		"amount":        params.Amount,
		"currency":      params.Currency,
		"transactionId": txn.ID,
		"method":        params.Method,
	}
	if _, err := s.Events.Emit(ctx, event.TypeDepositCompleted, params.TenantID, params.UserID, payload); err != nil {
		logger.Error().Err(err).Msg("failed to emit wallet.deposit.completed")
	}

	s.triggerDepositBonus(ctx, params, txn)

	if err := s.Registry.Datastore.UpdateUserMetadata(ctx, params.UserID, datastore.Metadata{
		registry.MetaHasMadeFirstDeposit: true,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to set first deposit flag")
	}
}

// depositBonusTypes are the bonus types a deposit can qualify for. Each
// handler's own validation decides eligibility, so trying every type is
// safe; most runs award at most one.
var depositBonusTypes = []string{bonus.TypeWelcome, bonus.TypeFirstDeposit, bonus.TypeReload}

// triggerDepositBonus qualifies the deposit against every deposit driven
// bonus type before the first deposit flag is set. Ineligibility is the
// normal case and not an error.
func (s *Service) triggerDepositBonus(ctx context.Context, params DepositParams, txn *ledger.Transaction) {
	if s.Bonus == nil {
		return
	}
	logger := logging.Logger(ctx, "wallet.triggerDepositBonus")

	qualify := bonus.QualifyParams{
		TenantID:             params.TenantID,
		UserID:               params.UserID,
		DepositAmount:        params.Amount,
		Currency:             params.Currency,
		TriggerTransactionID: txn.ID,
		Metadata:             params.Metadata,
	}

	for _, bonusType := range depositBonusTypes {
		_, err := s.Bonus.Process(ctx, bonusType, qualify)
		switch {
		case err == nil:
			logger.Info().Str("userId", params.UserID).Str("bonusType", bonusType).Msg("deposit bonus awarded")
		case errorutils.KindOf(err) == errorutils.KindPrecondition,
			errorutils.KindOf(err) == errorutils.KindNotFound:
			// not eligible or no template configured
		default:
			logger.Error().Err(err).Str("bonusType", bonusType).Msg("deposit bonus trigger failed")
		}
	}
}

// Withdraw reserves the funds with a hold, captures them to the provider
// settlement account, then pays out through the processor.
func (s *Service) Withdraw(ctx context.Context, params WithdrawParams) (*SagaResult, *ledger.Transaction) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return failedResult("", errorutils.Validation("amount must be positive", nil)), nil
	}

	if txn := s.replayedTransaction(ctx, params.TenantID, params.IdempotencyKey); txn != nil {
		return &SagaResult{Success: true, SagaID: params.IdempotencyKey, Transaction: txn}, txn
	}

	var hold *ledger.Hold

	def := saga.Definition{
		Name: "wallet.withdraw",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Execute: func(ctx context.Context) (context.Context, error) {
					expiresAt := time.Now().UTC().Add(time.Hour)
					h, err := s.Ledger.CreateHold(ctx, ledger.HoldParams{
						TenantID:  params.TenantID,
						Account:   ledger.UserMain(params.UserID, params.Currency),
						Amount:    params.Amount,
						Reason:    "withdrawal",
						ExpiresAt: &expiresAt,
					})
					if err != nil {
						return nil, err
					}
					hold = h
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					if hold == nil {
						return nil
					}
					return s.Ledger.Release(ctx, hold.ID)
				},
			},
			{
				Name: "capture",
				Execute: func(ctx context.Context) (context.Context, error) {
					txn, err := s.Ledger.Capture(ctx, hold.ID,
						ledger.Provider(params.TenantID, params.Currency), appctx.GetSagaID(ctx))
					if err != nil {
						return nil, err
					}
					return context.WithValue(ctx, transactionCTXKey, txn), nil
				},
				Compensate: func(ctx context.Context) error {
					txn, _ := ctx.Value(transactionCTXKey).(*ledger.Transaction)
					if txn == nil {
						return nil
					}
					_, err := s.Ledger.Reverse(ctx, txn.ID, "withdrawal saga compensation")
					return err
				},
			},
			{
				// last fallible step: a completed payout cannot be unwound
				Name: "payout",
				Execute: func(ctx context.Context) (context.Context, error) {
					providerRef, err := s.Processor.Payout(ctx, params)
					if err != nil {
						return nil, err
					}
					return context.WithValue(ctx, providerRefCTXKey, providerRef), nil
				},
			},
		},
	}

	result := s.Sagas.Execute(ctx, def, sagaOptions(params.IdempotencyKey)...)
	if !result.Success {
		return failedResult(result.SagaID, result.Err), nil
	}

	txn, _ := result.Context.Value(transactionCTXKey).(*ledger.Transaction)
	s.finalizeWithdrawal(ctx, params, txn)

	return &SagaResult{
		Success:         true,
		SagaID:          result.SagaID,
		Transaction:     txn,
		ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
	}, txn
}

func (s *Service) finalizeWithdrawal(ctx context.Context, params WithdrawParams, txn *ledger.Transaction) {
	logger := logging.Logger(ctx, "wallet.finalizeWithdrawal")

	if err := s.Datastore.RecordWithdrawal(ctx, params.TenantID, params.UserID, params.Currency, params.Amount); err != nil {
		logger.Error().Err(err).Msg("failed to record withdrawal stats")
	}

	payload := map[string]interface{}{
		"userId":        params.UserID,
		"amount":        params.Amount,
		"currency":      params.Currency,
		"transactionId": txn.ID,
		"method":        params.Method,
	}
	if _, err := s.Events.Emit(ctx, event.TypeWithdrawalCompleted, params.TenantID, params.UserID, payload); err != nil {
		logger.Error().Err(err).Msg("failed to emit wallet.withdrawal.completed")
	}
}

// ReverseDeposit backs out a completed deposit, emitting the reversal
// event. The ledger reversal is idempotent.
func (s *Service) ReverseDeposit(ctx context.Context, tenantID, userID, transactionID, reason string) (*ledger.Transaction, error) {
	original, err := s.Ledger.Datastore.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if original.TenantID != tenantID {
		return nil, errorutils.NotFound("transaction not found")
	}
	alreadyReversed := original.Status == ledger.TxnStatusReversed

	reversal, err := s.Ledger.Reverse(ctx, transactionID, reason)
	if err != nil {
		return nil, err
	}
	if alreadyReversed {
		// replayed reversal: stats and events already happened
		return reversal, nil
	}

	logger := logging.Logger(ctx, "wallet.ReverseDeposit")
	amount := decimal.Zero
	currency := ""
	if len(original.Entries) > 0 {
		amount = original.Entries[0].Amount
		currency = original.Entries[0].Currency
	}
	if err := s.Datastore.RecordReversal(ctx, userID, currency, amount); err != nil {
		logger.Error().Err(err).Msg("failed to adjust stats for reversal")
	}
	if _, err := s.Events.Emit(ctx, event.TypeDepositReversed, tenantID, userID, map[string]interface{}{
		"userId":        userID,
		"transactionId": transactionID,
		"reversalId":    reversal.ID,
		"reason":        reason,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to emit wallet.deposit.reversed")
	}
	return reversal, nil
}

// replayedTransaction returns the transaction a prior run under the same
// idempotency key already posted, or nil on first delivery.
func (s *Service) replayedTransaction(ctx context.Context, tenantID, key string) *ledger.Transaction {
	if key == "" {
		return nil
	}
	txn, err := s.Ledger.Datastore.GetTransactionByExternalRef(ctx, tenantID, key)
	if err != nil {
		return nil
	}
	return txn
}

// sagaOptions pins the saga id to the idempotency key when one was given
func sagaOptions(idempotencyKey string) []saga.Option {
	if idempotencyKey == "" {
		return nil
	}
	return []saga.Option{saga.WithSagaID(idempotencyKey)}
}

func failedResult(sagaID string, err error) *SagaResult {
	res := &SagaResult{Success: false, SagaID: sagaID}
	if err != nil {
		res.Errors = []string{err.Error()}
	}
	return res
}

// DevProcessor approves everything instantly; for development and tests
type DevProcessor struct{}

// Charge approves the deposit with a generated reference
func (DevProcessor) Charge(_ context.Context, _ DepositParams) (string, error) {
	return "dev-" + uuid.NewV4().String(), nil
}

// Refund is a no-op
func (DevProcessor) Refund(_ context.Context, _ string) error { return nil }

// Payout approves the withdrawal with a generated reference
func (DevProcessor) Payout(_ context.Context, _ WithdrawParams) (string, error) {
	return "dev-" + uuid.NewV4().String(), nil
}
