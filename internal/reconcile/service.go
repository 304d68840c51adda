package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/config"
	"bitget-ledger-sync/internal/credentials"
	"bitget-ledger-sync/internal/ledger"
	"bitget-ledger-sync/internal/models"
	"go.uber.org/zap"
)

// Exchange is the subset of the Bitget client the engine depends on.
type Exchange = bitget.RestClientInterface

// ClientFactory builds an exchange client for one user's credentials.
type ClientFactory func(creds bitget.Credentials) Exchange

// Options are the tunable parameters of a pass.
type Options struct {
	DuplicateWindow time.Duration
	HistoryLookback time.Duration
	HistoryLimit    int
}

// OptionsFromConfig maps the reconcile config section onto Options.
func OptionsFromConfig(cfg config.Reconcile) Options {
	return Options{
		DuplicateWindow: cfg.DuplicateWindow,
		HistoryLookback: cfg.HistoryLookback,
		HistoryLimit:    cfg.HistoryLimit,
	}
}

// Counts summarize the writes of one pass.
type Counts struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Closed  int `json:"closed"`
	Pending int `json:"pending"`
}

// CloseOutcome is the answer to a close request. Reason carries the
// exchange's explanation when the request was rejected.
type CloseOutcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Code     string `json:"code,omitempty"`
	TradeID  uint   `json:"trade_id,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
}

type closeKey struct {
	userID uint
	symbol string
	side   string
}

// Service is the reconciliation engine. Every collaborator is injected; the
// service keeps no per-user state besides auth suspensions and in-flight closes.
type Service struct {
	provider   credentials.Provider
	newClient  ClientFactory
	ledger     *ledger.Ledger
	guard      Guard
	reconciler *Reconciler
	resolver   *ClosureResolver
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	suspended map[uint]string // user id -> fingerprint of the rejected credentials
	closing   map[closeKey]struct{}
}

// NewService wires the engine.
func NewService(provider credentials.Provider, newClient ClientFactory, l *ledger.Ledger, guard Guard, opts Options, logger *zap.Logger) *Service {
	logger = logger.Named("reconcile")
	return &Service{
		provider:   provider,
		newClient:  newClient,
		ledger:     l,
		guard:      guard,
		reconciler: NewReconciler(opts.DuplicateWindow, logger),
		resolver:   NewClosureResolver(logger),
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		suspended:  make(map[uint]string),
		closing:    make(map[closeKey]struct{}),
	}
}

// WithClock replaces the pass clock; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ReconcileUser runs one pass for userID now. Unlike scheduled passes it also
// runs for users suspended after an auth failure.
func (s *Service) ReconcileUser(ctx context.Context, userID uint) (Counts, error) {
	return s.reconcile(ctx, userID, "manual", false)
}

func (s *Service) reconcile(ctx context.Context, userID uint, passID string, scheduled bool) (Counts, error) {
	release, err := s.acquire(ctx, userID)
	if err != nil {
		return Counts{}, err
	}
	defer release()
	return s.runPass(ctx, userID, passID, scheduled)
}

// acquire takes the per-user guard without waiting.
func (s *Service) acquire(ctx context.Context, userID uint) (func(), error) {
	release, ok, err := s.guard.TryAcquire(ctx, userID)
	if err != nil {
		return nil, &SyncError{Kind: KindTransient, UserID: userID, Code: "guard", Err: err}
	}
	if !ok {
		return nil, &SyncError{Kind: KindBusy, UserID: userID, Err: errBusy}
	}
	return release, nil
}

// runPass reconciles userID. The caller holds the user's guard.
func (s *Service) runPass(ctx context.Context, userID uint, passID string, scheduled bool) (Counts, error) {
	log := s.logger.With(zap.Uint("user_id", userID), zap.String("pass_id", passID))

	creds, err := s.provider.Credentials(ctx, userID)
	if err != nil {
		return Counts{}, credentialsError(userID, err)
	}
	fingerprint := creds.Fingerprint()
	if scheduled && s.isSuspended(userID, fingerprint) {
		return Counts{}, &SyncError{Kind: KindSuspended, UserID: userID, Err: errors.New("credentials rejected by exchange; waiting for new keys")}
	}

	client := s.newClient(creds)
	start := s.now()

	// Network reads first; no transaction is held while waiting on the exchange.
	positions, err := client.GetAllPositions(ctx)
	if err != nil {
		return Counts{}, s.exchangeFailure(userID, fingerprint, err)
	}
	live := observe(positions)

	book, err := s.fetchHistory(ctx, client, userID, live, start)
	if err != nil {
		return Counts{}, s.exchangeFailure(userID, fingerprint, err)
	}

	var counts Counts
	err = s.ledger.WithTx(ctx, func(tx *ledger.Ledger) error {
		created, updated, err := s.reconciler.Apply(ctx, tx, userID, live, start)
		if err != nil {
			return err
		}
		closed, pending, err := s.resolver.Resolve(ctx, tx, userID, live, book)
		if err != nil {
			return err
		}
		counts = Counts{New: created, Updated: updated, Closed: closed, Pending: pending}
		return nil
	})
	if err != nil {
		return Counts{}, persistenceError(userID, err)
	}

	s.clearSuspension(userID)
	log.Info("Reconciliation pass finished",
		zap.Int("live_positions", len(live)),
		zap.Int("new", counts.New),
		zap.Int("updated", counts.Updated),
		zap.Int("closed", counts.Closed),
		zap.Int("pending", counts.Pending),
		zap.Duration("took", s.now().Sub(start)),
	)
	return counts, nil
}

// fetchHistory loads position history for every symbol that has an unresolved
// record no longer backed by a live position. A symbol whose history cannot be
// read is left out of the book; an auth failure aborts the pass.
func (s *Service) fetchHistory(ctx context.Context, client Exchange, userID uint, live observedSet, now time.Time) (historyBook, error) {
	recs, err := s.ledger.ListUnresolved(ctx, userID)
	if err != nil {
		return nil, persistenceError(userID, err)
	}

	symbols := make(map[string]struct{})
	for _, rec := range recs {
		if !live.holds(rec) {
			symbols[rec.Symbol] = struct{}{}
		}
	}

	book := make(historyBook, len(symbols))
	for symbol := range symbols {
		history, err := client.GetPositionHistory(ctx, symbol, now.Add(-s.opts.HistoryLookback), now, s.opts.HistoryLimit)
		if err != nil {
			if bitget.IsAuth(err) {
				return nil, err
			}
			s.logger.Warn("Position history unavailable, closures stay pending",
				zap.Uint("user_id", userID), zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		book[symbol] = history
	}
	return book, nil
}

// exchangeFailure classifies err and suspends scheduled passes on auth failures.
func (s *Service) exchangeFailure(userID uint, fingerprint string, err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	se = exchangeError(userID, err)
	if se.Kind == KindAuth {
		s.mu.Lock()
		s.suspended[userID] = fingerprint
		s.mu.Unlock()

		var apiErr *bitget.APIError
		diagnostic := ""
		if errors.As(err, &apiErr) {
			diagnostic = apiErr.Diagnostic()
		}
		s.logger.Error("Exchange rejected credentials; scheduled passes suspended until they change",
			zap.Uint("user_id", userID), zap.String("code", se.Code), zap.String("diagnostic", diagnostic))
	}
	return se
}

func (s *Service) isSuspended(userID uint, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rejected, ok := s.suspended[userID]
	if ok && rejected != fingerprint {
		delete(s.suspended, userID)
		return false
	}
	return ok
}

func (s *Service) clearSuspension(userID uint) {
	s.mu.Lock()
	delete(s.suspended, userID)
	s.mu.Unlock()
}

// Suspended lists users whose scheduled passes are paused.
func (s *Service) Suspended() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.suspended))
	for id := range s.suspended {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClosePosition asks the exchange to flash-close (symbol, side) for userID.
// The exchange call is made at most once per intent and never retried. On
// acceptance the open record is marked closing; on rejection it is untouched.
func (s *Service) ClosePosition(ctx context.Context, userID uint, symbol, side string) (CloseOutcome, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	side = strings.ToLower(strings.TrimSpace(side))
	if symbol == "" {
		return CloseOutcome{Reason: "symbol is required", Code: "invalid_request"}, nil
	}
	if side != models.SideLong && side != models.SideShort {
		return CloseOutcome{Reason: fmt.Sprintf("side must be %q or %q", models.SideLong, models.SideShort), Code: "invalid_request"}, nil
	}

	key := closeKey{userID, symbol, side}
	s.mu.Lock()
	if _, inFlight := s.closing[key]; inFlight {
		s.mu.Unlock()
		return CloseOutcome{Reason: "a close request for this position is already in flight", Code: "in_flight"}, nil
	}
	s.closing[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.closing, key)
		s.mu.Unlock()
	}()

	log := s.logger.With(zap.Uint("user_id", userID), zap.String("symbol", symbol), zap.String("side", side))

	rec, err := s.ledger.FindOpen(ctx, userID, symbol, side)
	if err != nil {
		return CloseOutcome{}, persistenceError(userID, err)
	}
	if rec == nil {
		pendingClose, err := s.hasPendingClose(ctx, userID, symbol, side)
		if err != nil {
			return CloseOutcome{}, persistenceError(userID, err)
		}
		if pendingClose {
			return CloseOutcome{Reason: "a close was already requested for this position", Code: "already_closing"}, nil
		}
		return CloseOutcome{Reason: "no open trade recorded for this position; run a sync first", Code: "no_open_trade"}, nil
	}

	creds, err := s.provider.Credentials(ctx, userID)
	if err != nil {
		return CloseOutcome{}, credentialsError(userID, err)
	}

	result, err := s.newClient(creds).ClosePosition(ctx, symbol, side)
	if err != nil {
		se := exchangeError(userID, err)
		if se.Kind == KindRejected {
			var apiErr *bitget.APIError
			reason := err.Error()
			if errors.As(err, &apiErr) && apiErr.Msg != "" {
				reason = apiErr.Msg
			}
			log.Warn("Close request rejected by exchange", zap.String("code", se.Code), zap.String("reason", reason))
			return CloseOutcome{Reason: reason, Code: se.Code}, nil
		}
		log.Error("Close request failed", zap.String("kind", string(se.Kind)), zap.Error(err))
		return CloseOutcome{}, se
	}

	outcome := CloseOutcome{Accepted: true, TradeID: rec.ID}
	if len(result.SuccessList) > 0 {
		outcome.OrderID = result.SuccessList[0].OrderID
	}
	if err := s.ledger.MarkClosing(ctx, rec.ID, s.now()); err != nil {
		// The next pass still resolves the closure from history.
		log.Warn("Close accepted but trade could not be marked closing", zap.Uint("trade_id", rec.ID), zap.Error(err))
	}
	log.Info("Close request accepted", zap.String("order_id", outcome.OrderID), zap.Uint("trade_id", outcome.TradeID))
	return outcome, nil
}

func (s *Service) hasPendingClose(ctx context.Context, userID uint, symbol, side string) (bool, error) {
	recs, err := s.ledger.ListUnresolved(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Symbol == symbol && r.Side == side && r.Status == models.StatusClosing {
			return true, nil
		}
	}
	return false, nil
}

// OpenTrades returns the user's open and closing records re-priced against
// current tickers. Records whose price cannot be fetched keep their persisted
// PnL and ROE.
func (s *Service) OpenTrades(ctx context.Context, userID uint) ([]LiveTrade, error) {
	recs, err := s.ledger.ListUnresolved(ctx, userID)
	if err != nil {
		return nil, persistenceError(userID, err)
	}
	if len(recs) == 0 {
		return []LiveTrade{}, nil
	}

	var client Exchange
	if creds, err := s.provider.Credentials(ctx, userID); err == nil {
		client = s.newClient(creds)
	} else {
		s.logger.Debug("No credentials for live prices, using persisted values", zap.Uint("user_id", userID), zap.Error(err))
	}

	prices := make(map[string]float64)
	failed := make(map[string]bool)
	trades := make([]LiveTrade, 0, len(recs))
	for _, rec := range recs {
		mark, ok := prices[rec.Symbol]
		if !ok && client != nil && !failed[rec.Symbol] {
			ticker, err := client.GetTicker(ctx, rec.Symbol)
			if err != nil {
				s.logger.Warn("Ticker unavailable, falling back to persisted ROE",
					zap.Uint("user_id", userID), zap.String("symbol", rec.Symbol), zap.Error(err))
				failed[rec.Symbol] = true
			} else {
				mark = ticker.Price()
				prices[rec.Symbol] = mark
				ok = true
			}
		}
		trades = append(trades, reprice(rec, mark, ok))
	}
	return trades, nil
}

// GetUserStats aggregates closed-trade results with the live view of open trades.
func (s *Service) GetUserStats(ctx context.Context, userID uint) (Stats, error) {
	summary, err := s.ledger.ClosedSummary(ctx, userID)
	if err != nil {
		return Stats{}, persistenceError(userID, err)
	}
	open, err := s.OpenTrades(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	stats := aggregate(userID, summary, open)

	if creds, err := s.provider.Credentials(ctx, userID); err == nil {
		accounts, err := s.newClient(creds).GetAccounts(ctx)
		if err != nil {
			s.logger.Debug("Account balance unavailable", zap.Uint("user_id", userID), zap.Error(err))
		} else {
			var equity float64
			for _, a := range accounts {
				equity += float64(a.AccountEquity)
			}
			stats.AccountEquity = &equity
		}
	}
	return stats, nil
}

// ClosedTrades lists the user's closed records, newest first.
func (s *Service) ClosedTrades(ctx context.Context, userID uint, limit int) ([]models.TradeRecord, error) {
	recs, err := s.ledger.ListClosed(ctx, userID, limit)
	if err != nil {
		return nil, persistenceError(userID, err)
	}
	return recs, nil
}

// ProfitCurve returns the cumulative realized PnL of the user over time.
func (s *Service) ProfitCurve(ctx context.Context, userID uint) ([]CurvePoint, error) {
	recs, err := s.ledger.ListClosed(ctx, userID, 0)
	if err != nil {
		return nil, persistenceError(userID, err)
	}
	return ProfitCurve(recs), nil
}

// OrderHistory reads the user's recent orders straight from the exchange.
func (s *Service) OrderHistory(ctx context.Context, userID uint, symbol string, limit int) ([]bitget.Order, error) {
	creds, err := s.provider.Credentials(ctx, userID)
	if err != nil {
		return nil, credentialsError(userID, err)
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	end := s.now()
	orders, err := s.newClient(creds).GetOrderHistory(ctx, strings.ToUpper(symbol), end.Add(-s.opts.HistoryLookback), end, limit)
	if err != nil {
		return nil, exchangeError(userID, err)
	}
	return orders, nil
}

// CheckCredentials validates the user's stored keys against the exchange.
func (s *Service) CheckCredentials(ctx context.Context, userID uint) (*bitget.Validation, error) {
	creds, err := s.provider.Credentials(ctx, userID)
	if err != nil {
		return nil, credentialsError(userID, err)
	}
	v, err := bitget.ValidateCredentials(ctx, s.newClient(creds), creds)
	if err != nil {
		return nil, exchangeError(userID, err)
	}
	if v.Valid {
		s.clearSuspension(userID)
	}
	return v, nil
}
