package stockmsg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stockflow/internal/catalog"
	"github.com/angelmondragon/stockflow/internal/ordernumber"
	"github.com/angelmondragon/stockflow/internal/orders"
	"github.com/angelmondragon/stockflow/internal/stocklog"
	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/dbtest"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/metrics"
	"github.com/angelmondragon/stockflow/pkg/outbox"
	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

type memoryStock struct {
	mu    sync.Mutex
	stock map[int64]int
}

func (m *memoryStock) TryDecrease(_ context.Context, itemID int64, amount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stock[itemID] < amount {
		return false, nil
	}
	m.stock[itemID] -= amount
	return true, nil
}

func (m *memoryStock) Increase(_ context.Context, itemID int64, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[itemID] += amount
	return nil
}

func (m *memoryStock) level(itemID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[itemID]
}

type memoryGuard struct {
	mu     sync.Mutex
	claims map[string]bool
	err    error
}

func (g *memoryGuard) CheckAndClaim(_ context.Context, scope, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	key := scope + ":" + id
	if g.claims[key] {
		return true, nil
	}
	g.claims[key] = true
	return false, nil
}

func (g *memoryGuard) Release(_ context.Context, scope, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, scope+":"+id)
	return nil
}

// orderFunc lets a test wrap the real workflow.
type orderFunc func(ctx context.Context, input orders.CreateOrderInput) (*models.Order, error)

func (f orderFunc) CreateOrder(ctx context.Context, input orders.CreateOrderInput) (*models.Order, error) {
	return f(ctx, input)
}

type harness struct {
	client      *db.Client
	coordinator *Coordinator
	workflow    orders.Service
	ledger      stocklog.Service
	outboxRepo  *outbox.Repository
	orderRepo   orders.Repository
	stock       *memoryStock
	guard       *memoryGuard
	registry    *prometheus.Registry
	item        models.Item
}

type harnessOptions struct {
	stock   int
	wrap    func(orders.Service) orderCreator
	ledger  func(stocklog.Service) ledger
	sender  txmsg.Sender
	noGuard bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	client := dbtest.Open(t)
	log := logger.Nop()
	now := func() time.Time { return time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC) }

	item := models.Item{Title: "kettle", Price: decimal.RequireFromString("10.00")}
	require.NoError(t, client.DB().Create(&item).Error)

	seqRepo := ordernumber.NewRepository(client.DB())
	require.NoError(t, seqRepo.Ensure(ctx, ordernumber.DefaultSequence, 1, 1))
	numbers, err := ordernumber.NewGenerator(ordernumber.GeneratorParams{DB: client, Repository: seqRepo, Clock: now})
	require.NoError(t, err)
	cat, err := catalog.NewService(catalog.NewRepository(client.DB()), now)
	require.NoError(t, err)
	ledgerSvc, err := stocklog.NewService(stocklog.NewRepository(client.DB()), client, log)
	require.NoError(t, err)

	stock := &memoryStock{stock: map[int64]int{item.ID: opts.stock}}
	orderRepo := orders.NewRepository(client.DB())
	workflow, err := orders.NewService(orders.ServiceParams{
		DB:               client,
		Repository:       orderRepo,
		Catalog:          cat,
		Reservation:      stock,
		Numbers:          numbers,
		Ledger:           ledgerSvc,
		Logger:           log,
		ReleaseOnFailure: true,
	})
	require.NoError(t, err)

	outboxRepo := outbox.NewRepository(client.DB())
	broker, err := outbox.NewBroker(outbox.BrokerParams{
		DB:         client,
		Repository: outboxRepo,
		Logger:     log,
	})
	require.NoError(t, err)

	var creator orderCreator = workflow
	if opts.wrap != nil {
		creator = opts.wrap(workflow)
	}
	var ledgerPort ledger = ledgerSvc
	if opts.ledger != nil {
		ledgerPort = opts.ledger(ledgerSvc)
	}
	guard := &memoryGuard{claims: map[string]bool{}}
	registry := prometheus.NewRegistry()
	params := CoordinatorParams{
		Broker:  broker,
		Sender:  opts.sender,
		Orders:  creator,
		Ledger:  ledgerPort,
		Logger:  log,
		Metrics: metrics.NewTxMessageMetrics(registry),
	}
	if !opts.noGuard {
		params.Guard = guard
	}
	coordinator, err := NewCoordinator(params)
	require.NoError(t, err)

	return &harness{
		client:      client,
		coordinator: coordinator,
		workflow:    workflow,
		ledger:      ledgerSvc,
		outboxRepo:  outboxRepo,
		orderRepo:   orderRepo,
		stock:       stock,
		guard:       guard,
		registry:    registry,
		item:        item,
	}
}

func (h *harness) newStockLog(t *testing.T, amount int) string {
	t.Helper()
	id, err := h.ledger.Create(context.Background(), h.item.ID, amount)
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id string) enums.StockLogStatus {
	t.Helper()
	entry, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return entry.Status
}

func (h *harness) sales(t *testing.T) int64 {
	t.Helper()
	var item models.Item
	require.NoError(t, h.client.DB().First(&item, h.item.ID).Error)
	return item.Sales
}

func (h *harness) messages(t *testing.T) []models.TxMessage {
	t.Helper()
	var rows []models.TxMessage
	require.NoError(t, h.client.DB().Order("created_at").Find(&rows).Error)
	return rows
}

func (h *harness) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func messageFromRow(row models.TxMessage) txmsg.Message {
	return txmsg.Message{
		ID:         row.ID,
		Envelope:   txmsg.Envelope{Topic: row.Topic, Tag: row.Tag, Key: row.MessageKey, Body: row.Body},
		CheckCount: row.CheckCount,
		CreatedAt:  row.CreatedAt,
	}
}

func TestSendTransactionalDecrement_HappyPath(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	ctx := context.Background()
	logID := h.newStockLog(t, 2)

	ok := h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 2, logID)
	require.True(t, ok)

	assert.Equal(t, enums.StockLogDecremented, h.status(t, logID))
	order, err := h.orderRepo.FindByStockLogID(ctx, logID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.True(t, order.OrderPrice.Equal(decimal.RequireFromString("20")))
	assert.Equal(t, int64(2), h.sales(t))

	rows := h.messages(t)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.TxMessageCommitted, rows[0].State)
	assert.Equal(t, DefaultTopic, rows[0].Topic)
	assert.Equal(t, DefaultTag, rows[0].Tag)
	assert.Equal(t, logID, rows[0].MessageKey)
	body, err := DecodeDecrementBody(rows[0].Body)
	require.NoError(t, err)
	assert.Equal(t, DecrementBody{ItemID: h.item.ID, Amount: 2, StockLogID: logID}, body)

	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_sends_total", map[string]string{"result": metrics.ResultCommitted}))
	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_outcomes_total", map[string]string{"source": metrics.SourceLocal, "outcome": "commit"}))
}

func TestSendTransactionalDecrement_InvalidAmountRollsBack(t *testing.T) {
	for _, amount := range []int{0, 100} {
		h := newHarness(t, harnessOptions{stock: 1000})
		ctx := context.Background()
		logID := h.newStockLog(t, amount)

		require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, amount, logID))
		assert.Equal(t, enums.StockLogRolledBack, h.status(t, logID), "amount %d", amount)

		rows := h.messages(t)
		require.Len(t, rows, 1)
		assert.Equal(t, enums.TxMessageRolledBack, rows[0].State)
		assert.Equal(t, int64(0), h.sales(t))
	}
}

func TestSendTransactionalDecrement_ReservationFailureRollsBack(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 1})
	ctx := context.Background()
	logID := h.newStockLog(t, 2)

	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 2, logID))
	assert.Equal(t, enums.StockLogRolledBack, h.status(t, logID))

	order, err := h.orderRepo.FindByStockLogID(ctx, logID)
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Equal(t, int64(0), h.sales(t))
	assert.Equal(t, 1, h.stock.level(h.item.ID))
	assert.Equal(t, enums.TxMessageRolledBack, h.messages(t)[0].State)
}

func TestSendTransactionalDecrement_SendOnceGuard(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	ctx := context.Background()
	logID := h.newStockLog(t, 1)

	require.True(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))
	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))

	assert.Len(t, h.messages(t), 1)
	assert.Equal(t, int64(1), h.sales(t))
	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_sends_total", map[string]string{"result": metrics.ResultSkipped}))
}

func TestSendTransactionalDecrement_DuplicateWithoutGuardRollsBackSecond(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10, noGuard: true})
	ctx := context.Background()
	logID := h.newStockLog(t, 1)

	require.True(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))
	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))

	rows := h.messages(t)
	require.Len(t, rows, 2)
	assert.Equal(t, enums.TxMessageCommitted, rows[0].State)
	assert.Equal(t, enums.TxMessageRolledBack, rows[1].State)
	assert.Equal(t, enums.StockLogDecremented, h.status(t, logID))
	assert.Equal(t, int64(1), h.sales(t))
	assert.Equal(t, 9, h.stock.level(h.item.ID), "second reservation must be released")
}

func TestSendTransactionalDecrement_GuardErrorStillSends(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	h.guard.err = errors.New("redis down")
	logID := h.newStockLog(t, 1)

	assert.True(t, h.coordinator.SendTransactionalDecrement(context.Background(), 7, h.item.ID, nil, 1, logID))
}

func TestSendTransactionalDecrement_RequiresStockLogID(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	assert.False(t, h.coordinator.SendTransactionalDecrement(context.Background(), 7, h.item.ID, nil, 1, " "))
	assert.Empty(t, h.messages(t))
}

func TestCheckBack_VerdictFollowsStockLogNotMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10, noGuard: true})
	ctx := context.Background()
	logID := h.newStockLog(t, 1)
	require.True(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))

	body, err := DecrementBody{ItemID: h.item.ID, Amount: 1, StockLogID: logID}.Marshal()
	require.NoError(t, err)
	first := txmsg.Message{ID: uuid.New(), Envelope: txmsg.Envelope{Topic: DefaultTopic, Body: body}}
	second := txmsg.Message{ID: uuid.New(), Envelope: txmsg.Envelope{Topic: DefaultTopic, Body: body}}

	// any message for a decremented stock log commits, whichever send produced it
	assert.Equal(t, txmsg.OutcomeCommit, h.coordinator.CheckBack(ctx, first))
	assert.Equal(t, txmsg.OutcomeCommit, h.coordinator.CheckBack(ctx, second))
}

func TestCheckBack_IsReadOnlyAndIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	ctx := context.Background()

	decremented := h.newStockLog(t, 1)
	require.True(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, decremented))
	rolledBack := h.newStockLog(t, 0)
	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 0, rolledBack))
	pending := h.newStockLog(t, 1)

	cases := []struct {
		stockLogID string
		want       txmsg.Outcome
	}{
		{decremented, txmsg.OutcomeCommit},
		{rolledBack, txmsg.OutcomeRollback},
		{pending, txmsg.OutcomeUnknown},
		{"missing-entry", txmsg.OutcomeUnknown},
	}
	for _, tc := range cases {
		body, err := DecrementBody{ItemID: h.item.ID, Amount: 1, StockLogID: tc.stockLogID}.Marshal()
		require.NoError(t, err)
		msg := txmsg.Message{ID: uuid.New(), Envelope: txmsg.Envelope{Topic: DefaultTopic, Body: body}}
		for i := 0; i < 3; i++ {
			assert.Equal(t, tc.want, h.coordinator.CheckBack(ctx, msg), tc.stockLogID)
		}
	}

	assert.Equal(t, enums.StockLogDecremented, h.status(t, decremented))
	assert.Equal(t, enums.StockLogRolledBack, h.status(t, rolledBack))
	assert.Equal(t, enums.StockLogInit, h.status(t, pending))
}

func TestCheckBack_UndecodableBody(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	for _, raw := range []string{"not json", `{"itemId":1,"amount":1}`} {
		msg := txmsg.Message{ID: uuid.New(), Envelope: txmsg.Envelope{Topic: DefaultTopic, Body: []byte(raw)}}
		assert.Equal(t, txmsg.OutcomeUnknown, h.coordinator.CheckBack(context.Background(), msg))
	}
}

func TestCrashAfterLocalCommitRecoversThroughCheckBack(t *testing.T) {
	h := newHarness(t, harnessOptions{
		stock: 10,
		wrap: func(workflow orders.Service) orderCreator {
			return orderFunc(func(ctx context.Context, input orders.CreateOrderInput) (*models.Order, error) {
				if _, err := workflow.CreateOrder(ctx, input); err != nil {
					return nil, err
				}
				return nil, errors.New("connection reset after commit")
			})
		},
	})
	ctx := context.Background()
	logID := h.newStockLog(t, 1)

	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))
	rows := h.messages(t)
	require.Len(t, rows, 1)
	require.Equal(t, enums.TxMessageHalf, rows[0].State)
	assert.Equal(t, enums.StockLogDecremented, h.status(t, logID))

	reconcile, ok := outboxReconciler(t, h)
	require.True(t, ok)
	assert.Equal(t, txmsg.OutcomeCommit, reconcile(ctx, messageFromRow(rows[0])))
	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_outcomes_total", map[string]string{"source": metrics.SourceCheckback, "outcome": "commit"}))
}

func TestCrashBeforeLocalCommitStaysUnknownUntilRolledBack(t *testing.T) {
	h := newHarness(t, harnessOptions{
		stock: 10,
		wrap: func(orders.Service) orderCreator {
			return orderFunc(func(context.Context, orders.CreateOrderInput) (*models.Order, error) {
				return nil, pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")
			})
		},
	})
	ctx := context.Background()
	logID := h.newStockLog(t, 1)

	require.False(t, h.coordinator.SendTransactionalDecrement(ctx, 7, h.item.ID, nil, 1, logID))
	rows := h.messages(t)
	require.Equal(t, enums.TxMessageHalf, rows[0].State)
	assert.Equal(t, enums.StockLogInit, h.status(t, logID))
	assert.Equal(t, txmsg.OutcomeUnknown, h.coordinator.CheckBack(ctx, messageFromRow(rows[0])))

	require.NoError(t, h.ledger.MarkRolledBack(ctx, logID))
	assert.Equal(t, txmsg.OutcomeRollback, h.coordinator.CheckBack(ctx, messageFromRow(rows[0])))
}

type failingRollbackLedger struct {
	ledger
}

func (failingRollbackLedger) MarkRolledBack(context.Context, string) error {
	return errors.New("write timeout")
}

func TestExecute_RollbackMarkFailureIsCounted(t *testing.T) {
	h := newHarness(t, harnessOptions{
		stock: 0,
		ledger: func(svc stocklog.Service) ledger {
			return failingRollbackLedger{ledger: svc}
		},
	})
	logID := h.newStockLog(t, 1)

	outcome := h.coordinator.Execute(context.Background(), ExecutionContext{UserID: 1, ItemID: h.item.ID, Amount: 1, StockLogID: logID})
	assert.Equal(t, txmsg.OutcomeRollback, outcome)
	assert.Equal(t, enums.StockLogInit, h.status(t, logID))
	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_rollback_mark_failures_total", nil))
}

func TestExecute_InvalidContextRollsBack(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	logID := h.newStockLog(t, 1)

	outcome := h.coordinator.Execute(context.Background(), ExecutionContext{UserID: 1, ItemID: 0, Amount: 1, StockLogID: logID})
	assert.Equal(t, txmsg.OutcomeRollback, outcome)
	assert.Equal(t, enums.StockLogRolledBack, h.status(t, logID))
}

func TestConcurrentRequestsForLastUnit(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 1})
	ctx := context.Background()
	ids := []string{h.newStockLog(t, 1), h.newStockLog(t, 1)}

	results := make([]bool, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = h.coordinator.SendTransactionalDecrement(ctx, int64(i+1), h.item.ID, nil, 1, id)
		}(i, id)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one request must win")
	var decremented, rolledBack int
	for _, id := range ids {
		switch h.status(t, id) {
		case enums.StockLogDecremented:
			decremented++
		case enums.StockLogRolledBack:
			rolledBack++
		}
	}
	assert.Equal(t, 1, decremented)
	assert.Equal(t, 1, rolledBack)
	assert.Equal(t, int64(1), h.sales(t))
	assert.Equal(t, 0, h.stock.level(h.item.ID))
}

func TestSendBestEffortDecrementHint(t *testing.T) {
	var sent []txmsg.Envelope
	fail := false
	sender := txmsg.SenderFunc(func(_ context.Context, env txmsg.Envelope) error {
		if fail {
			return errors.New("broker unreachable")
		}
		sent = append(sent, env)
		return nil
	})
	h := newHarness(t, harnessOptions{stock: 10, sender: sender})
	ctx := context.Background()

	require.True(t, h.coordinator.SendBestEffortDecrementHint(ctx, h.item.ID, 3))
	require.Len(t, sent, 1)
	assert.Equal(t, DefaultHintTopic, sent[0].Topic)
	assert.JSONEq(t, `{"itemId":`+sent[0].Key+`,"amount":3}`, string(sent[0].Body))

	fail = true
	assert.False(t, h.coordinator.SendBestEffortDecrementHint(ctx, h.item.ID, 3))
	assert.Empty(t, h.messages(t), "hints never touch the outbox")
	assert.Equal(t, 1.0, h.counter(t, "stockflow_txmsg_hints_total", map[string]string{"result": metrics.ResultError}))
}

func TestSendBestEffortDecrementHint_NoSender(t *testing.T) {
	h := newHarness(t, harnessOptions{stock: 10})
	assert.False(t, h.coordinator.SendBestEffortDecrementHint(context.Background(), h.item.ID, 1))
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(CoordinatorParams{})
	assert.Error(t, err)
}

func outboxReconciler(t *testing.T, h *harness) (txmsg.Reconciler, bool) {
	t.Helper()
	broker, ok := h.coordinator.broker.(*outbox.Broker)
	require.True(t, ok)
	return broker.Reconcilers().Lookup(DefaultTopic)
}
