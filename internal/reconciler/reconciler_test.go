package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-broker/internal/events"
	"copytrade-broker/internal/models"
)

type fakeUsers struct {
	byID map[int]*models.User
}

func (f *fakeUsers) ByID(ctx context.Context, id int) (*models.User, error) {
	return f.byID[id], nil
}

type fakeTrades struct {
	open     map[string]models.Trade
	closed   []models.Trade
	historic map[string]models.Trade
}

func newFakeTrades() *fakeTrades {
	return &fakeTrades{open: map[string]models.Trade{}, historic: map[string]models.Trade{}}
}

func (f *fakeTrades) UpsertOpen(ctx context.Context, t *models.Trade) error {
	f.open[t.Ticket] = *t
	return nil
}

func (f *fakeTrades) Close(ctx context.Context, ownerID int, ticket string, closePrice, realizedPnL float64, closeTime time.Time) error {
	t, ok := f.open[ticket]
	if !ok {
		t = models.Trade{OwnerID: ownerID, Ticket: ticket}
	}
	delete(f.open, ticket)
	t.RealizedPnL = &realizedPnL
	f.closed = append(f.closed, t)
	return nil
}

func (f *fakeTrades) ListOpen(ctx context.Context, ownerID int) ([]models.Trade, error) {
	out := make([]models.Trade, 0, len(f.open))
	for _, t := range f.open {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTrades) ListOpenTickets(ctx context.Context, ownerID int) (map[string]bool, error) {
	out := make(map[string]bool, len(f.open))
	for ticket := range f.open {
		out[ticket] = true
	}
	return out, nil
}

func (f *fakeTrades) ListAll(ctx context.Context, ownerID int, limit int) ([]models.Trade, error) {
	return nil, nil
}

func (f *fakeTrades) InsertHistorical(ctx context.Context, t *models.Trade, closePrice, realizedPnL float64) (bool, error) {
	if _, exists := f.historic[t.Ticket]; exists {
		return false, nil
	}
	f.historic[t.Ticket] = *t
	return true, nil
}

type fakeConns struct {
	connected map[int]bool
}

func (f *fakeConns) UpsertConnection(ctx context.Context, c *models.MT5Connection) error { return nil }
func (f *fakeConns) SetConnected(ctx context.Context, userID int, connected bool) error {
	if f.connected == nil {
		f.connected = map[int]bool{}
	}
	f.connected[userID] = connected
	return nil
}
func (f *fakeConns) ConnectionByUser(ctx context.Context, userID int) (*models.MT5Connection, error) {
	return nil, nil
}

type fakeLedger struct {
	byTicket map[string]*models.CopyTrade
	byHash   map[string]*models.CopyTrade
	linked   []string
}

func (f *fakeLedger) ByFollowerTicket(ctx context.Context, followerID int, ticket string) (*models.CopyTrade, error) {
	return f.byTicket[ticket], nil
}

func (f *fakeLedger) ByHashPrefix(ctx context.Context, prefix string) (*models.CopyTrade, error) {
	return f.byHash[prefix], nil
}

func (f *fakeLedger) LinkExecution(ctx context.Context, copyTradeID int, followerTicket string, followerTradeID int) error {
	f.linked = append(f.linked, followerTicket)
	return nil
}

type fakeDispatch struct {
	connected map[int]bool
}

func (f *fakeDispatch) IsClientConnected(userID int) bool { return f.connected[userID] }

type fakeBus struct {
	published []events.Event
}

func (f *fakeBus) Publish(ev events.Event) { f.published = append(f.published, ev) }

type fakeNotifier struct {
	positionsUpdated int
	accountUpdated   int
	marginWarnings   []float64
	tradesSynced     int
}

func (f *fakeNotifier) PositionsUpdated(userID int, positions []models.Position) { f.positionsUpdated++ }
func (f *fakeNotifier) AccountUpdated(userID int, stats models.AccountStats)     { f.accountUpdated++ }
func (f *fakeNotifier) MarginWarning(userID int, marginLevel float64) {
	f.marginWarnings = append(f.marginWarnings, marginLevel)
}
func (f *fakeNotifier) TradesSynced(userID int, count int) { f.tradesSynced += count }

type harness struct {
	rec      *Reconciler
	trades   *fakeTrades
	conns    *fakeConns
	ledger   *fakeLedger
	dispatch *fakeDispatch
	bus      *fakeBus
	notifier *fakeNotifier
}

func newHarness(masterConnected bool) *harness {
	trades := newFakeTrades()
	conns := &fakeConns{}
	ledger := &fakeLedger{byTicket: map[string]*models.CopyTrade{}, byHash: map[string]*models.CopyTrade{}}
	dispatch := &fakeDispatch{connected: map[int]bool{1: masterConnected}}
	bus := &fakeBus{}
	notifier := &fakeNotifier{}
	rec := New(&fakeUsers{}, trades, conns, ledger, dispatch, bus, notifier)
	return &harness{rec: rec, trades: trades, conns: conns, ledger: ledger, dispatch: dispatch, bus: bus, notifier: notifier}
}

func masterOwner() *models.User { return &models.User{ID: 1, IsMaster: true} }

func followerOwner() *models.User { return &models.User{ID: 2, IsMaster: false} }

func TestHandlePositionsUpdate_EmptySnapshotMarketClosedNoAction(t *testing.T) {
	h := newHarness(true)
	h.trades.open["T1"] = models.Trade{OwnerID: 1, Ticket: "T1"}

	raw := json.RawMessage(`{"positions":[],"market_open":false}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	assert.Len(t, h.trades.open, 1, "no closure should be inferred while market is closed")
	assert.Empty(t, h.trades.closed)
}

func TestHandlePositionsUpdate_EmptySnapshotMarketOpenDisconnectedNoAction(t *testing.T) {
	h := newHarness(false)
	h.trades.open["T1"] = models.Trade{OwnerID: 1, Ticket: "T1"}

	raw := json.RawMessage(`{"positions":[],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	assert.Len(t, h.trades.open, 1, "disconnected master's silence must not be treated as a closure signal")
}

func TestHandlePositionsUpdate_EmptySnapshotMarketOpenConnectedMassClears(t *testing.T) {
	h := newHarness(true)
	h.trades.open["T1"] = models.Trade{OwnerID: 1, Ticket: "T1", CurrentPrice: 1.1, UnrealizedPnL: 5}
	h.trades.open["T2"] = models.Trade{OwnerID: 1, Ticket: "T2", CurrentPrice: 1.2, UnrealizedPnL: -2}

	raw := json.RawMessage(`{"positions":[],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	assert.Empty(t, h.trades.open)
	assert.Len(t, h.trades.closed, 2)
	require.Len(t, h.bus.published, 1)
	assert.Equal(t, events.MasterPositionsClosed, h.bus.published[0].Type)
}

func TestHandlePositionsUpdate_InfersClosureForMissingTicket(t *testing.T) {
	h := newHarness(true)
	h.trades.open["T1"] = models.Trade{OwnerID: 1, Ticket: "T1", CurrentPrice: 1.1, UnrealizedPnL: 3}
	h.trades.open["T2"] = models.Trade{OwnerID: 1, Ticket: "T2", CurrentPrice: 1.2, UnrealizedPnL: -1}

	raw := json.RawMessage(`{"positions":[{"ticket":"T2","symbol":"EURUSD","type":"buy","volume":0.1,"open_price":1.1,"current_price":1.2,"profit":-1,"open_time":1700000000}],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	_, stillOpen := h.trades.open["T1"]
	assert.False(t, stillOpen, "T1 absent from the snapshot should be closed")
	_, t2Open := h.trades.open["T2"]
	assert.True(t, t2Open, "T2 present in the snapshot must stay open")
}

func TestHandlePositionsUpdate_UpsertPrecedesClosureDiff(t *testing.T) {
	// A master reporting the same ticket every frame must never be
	// closed-then-reopened within a single batch: upsert happens before
	// any closure diffing runs.
	h := newHarness(true)
	raw := json.RawMessage(`{"positions":[{"ticket":"T1","symbol":"EURUSD","type":"buy","volume":0.1,"open_price":1.1,"current_price":1.15,"profit":5,"open_time":1700000000}],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	_, open := h.trades.open["T1"]
	assert.True(t, open)
	assert.Empty(t, h.trades.closed)
}

func TestHandlePositionsUpdate_FollowerSnapshotNeverInfersClosure(t *testing.T) {
	h := newHarness(true)
	h.trades.open["T1"] = models.Trade{OwnerID: 2, Ticket: "T1"}

	raw := json.RawMessage(`{"positions":[],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), followerOwner(), raw))

	assert.Len(t, h.trades.open, 1, "closure inference only applies to master snapshots")
}

func TestHandlePositionsUpdate_LegacyBareListTreatedAsMarketOpen(t *testing.T) {
	h := newHarness(true)
	h.trades.open["STALE"] = models.Trade{OwnerID: 1, Ticket: "STALE", CurrentPrice: 1.0}

	raw := json.RawMessage(`[{"ticket":"FRESH","symbol":"EURUSD","type":"buy","volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1700000000}]`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	_, staleOpen := h.trades.open["STALE"]
	assert.False(t, staleOpen, "legacy bare list implies market_open=true, so missing tickets still close")
}

func TestPromoteIfMirrored_MatchesByTicket(t *testing.T) {
	h := newHarness(true)
	h.ledger.byTicket["F1"] = &models.CopyTrade{ID: 9, Status: models.CopyPending}

	h.rec.promoteIfMirrored(context.Background(), followerOwner(), "F1", "")

	require.Len(t, h.ledger.linked, 1)
	assert.Equal(t, "F1", h.ledger.linked[0])
}

func TestPromoteIfMirrored_FallsBackToHashPrefixInComment(t *testing.T) {
	h := newHarness(true)
	h.ledger.byHash["abcdef0123456789"] = &models.CopyTrade{ID: 10, Status: models.CopyPending}

	h.rec.promoteIfMirrored(context.Background(), followerOwner(), "F2", "CA:abcdef0123456789")

	require.Len(t, h.ledger.linked, 1)
	assert.Equal(t, "F2", h.ledger.linked[0])
}

func TestPromoteIfMirrored_NoMatchDoesNothing(t *testing.T) {
	h := newHarness(true)
	h.rec.promoteIfMirrored(context.Background(), followerOwner(), "F3", "manual")
	assert.Empty(t, h.ledger.linked)
}

func TestHandlePositionsUpdate_NormalizesSymbolCase(t *testing.T) {
	h := newHarness(true)
	raw := json.RawMessage(`{"positions":[{"ticket":"T1","symbol":"eurusd ","type":"buy","volume":0.1,"open_price":1.1,"current_price":1.1,"profit":0,"open_time":1700000000}],"market_open":true}`)
	require.NoError(t, h.rec.handlePositionsUpdate(context.Background(), masterOwner(), raw))

	assert.Equal(t, "EURUSD", h.trades.open["T1"].Symbol)
}

func TestHandleAccountUpdate_ZeroMarginUsesSentinel(t *testing.T) {
	h := newHarness(true)
	raw := json.RawMessage(`{"login":123,"balance":1000,"equity":1000,"margin":0,"free_margin":1000,"margin_level":0,"currency":"USD"}`)
	require.NoError(t, h.rec.handleAccountUpdate(context.Background(), masterOwner(), raw))
	assert.Equal(t, 1, h.notifier.accountUpdated)
	assert.Empty(t, h.notifier.marginWarnings)
}

func TestHandleAccountUpdate_OutOfRangeMarginLevelIsRecomputed(t *testing.T) {
	h := newHarness(true)
	raw := json.RawMessage(`{"login":123,"balance":1000,"equity":50,"margin":100,"free_margin":-50,"margin_level":-5,"currency":"USD"}`)
	require.NoError(t, h.rec.handleAccountUpdate(context.Background(), masterOwner(), raw))
	require.Len(t, h.notifier.marginWarnings, 1)
	assert.Equal(t, 50.0, h.notifier.marginWarnings[0])
}

func TestHandleAccountUpdate_TrustsInRangeMarginLevel(t *testing.T) {
	h := newHarness(true)
	raw := json.RawMessage(`{"login":123,"balance":1000,"equity":2000,"margin":100,"free_margin":1900,"margin_level":2000,"currency":"USD"}`)
	require.NoError(t, h.rec.handleAccountUpdate(context.Background(), masterOwner(), raw))
	assert.Empty(t, h.notifier.marginWarnings, "margin level above 100 should not raise a warning")
}

func TestHandleHistoryUpdate_AppendOnlySkipsDuplicates(t *testing.T) {
	h := newHarness(true)
	raw := json.RawMessage(`{"positions":[{"ticket":"H1","symbol":"EURUSD","type":"buy","volume":0.1,"open_price":1.1,"close_price":1.2,"profit":10,"open_time":1700000000,"close_time":1700003600}]}`)

	require.NoError(t, h.rec.handleHistoryUpdate(context.Background(), masterOwner(), raw))
	require.NoError(t, h.rec.handleHistoryUpdate(context.Background(), masterOwner(), raw))

	assert.Equal(t, 1, h.notifier.tradesSynced, "replaying the same history batch must not double-count")
}

func TestReconcile_UnknownTypeIsValidationError(t *testing.T) {
	h := newHarness(true)
	err := h.rec.Reconcile(context.Background(), masterOwner(), models.EADataEnvelope{Type: "bogus"})
	assert.Error(t, err)
}

func TestReconcile_OrdersUpdateIsNoOp(t *testing.T) {
	h := newHarness(true)
	err := h.rec.Reconcile(context.Background(), masterOwner(), models.EADataEnvelope{Type: models.EATypeOrdersUpdate})
	assert.NoError(t, err)
}

func TestReapIdleLocks_ReapsOnlyPastCutoff(t *testing.T) {
	h := newHarness(true)
	h.rec.lockFor(1)
	h.rec.lockFor(2)

	reaped := h.rec.ReapIdleLocks(time.Hour)
	assert.Equal(t, 0, reaped, "locks used just now should not be reaped")

	reaped = h.rec.ReapIdleLocks(-time.Second)
	assert.Equal(t, 2, reaped, "a negative idle window should reap everything unused since the future")
}
