package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-sync/config"
	"order-sync/internal/marketplace"
	"order-sync/internal/models"
	"order-sync/internal/store"
)

// memState is the table contents of memRepo. InTx works on a copy and swaps it
// in on success, so a failed transaction leaves no trace.
type memState struct {
	nextID    int64
	orders    map[int64]models.Order
	items     map[int64][]models.OrderItem
	products  map[int64]models.Product
	movements []models.StockMovement
	users     map[int64]bool
	methods   map[int64]models.ShippingMethod
	history   []models.ShipmentHistoryEntry
	webhooks  map[string]models.WebhookRecord
	hookOrder []string
}

func newMemState() *memState {
	return &memState{
		nextID:   1000,
		orders:   map[int64]models.Order{},
		items:    map[int64][]models.OrderItem{},
		products: map[int64]models.Product{},
		users:    map[int64]bool{},
		methods:  map[int64]models.ShippingMethod{},
		webhooks: map[string]models.WebhookRecord{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:    s.nextID,
		orders:    make(map[int64]models.Order, len(s.orders)),
		items:     make(map[int64][]models.OrderItem, len(s.items)),
		products:  make(map[int64]models.Product, len(s.products)),
		movements: append([]models.StockMovement(nil), s.movements...),
		users:     make(map[int64]bool, len(s.users)),
		methods:   make(map[int64]models.ShippingMethod, len(s.methods)),
		history:   append([]models.ShipmentHistoryEntry(nil), s.history...),
		webhooks:  make(map[string]models.WebhookRecord, len(s.webhooks)),
		hookOrder: append([]string(nil), s.hookOrder...),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.methods {
		c.methods[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// memRepo is an in-memory store.Repository.
type memRepo struct {
	mu    *sync.Mutex
	root  *memRepo
	state *memState
	inTx  bool

	// commitLost makes the next N successful commits report an error anyway,
	// as when the connection drops after COMMIT reaches the server.
	commitLost int
	// adjustErrs are consumed one per AdjustProductStock call; a nil entry lets
	// that call through.
	adjustErrs []error
	commits    int
}

var errCommitLost = errors.New("connection reset after commit")

func newMemRepo() *memRepo {
	r := &memRepo{mu: &sync.Mutex{}, state: newMemState()}
	r.root = r
	return r
}

func (r *memRepo) InTx(ctx context.Context, fn func(tx store.Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memRepo{mu: &sync.Mutex{}, root: r, state: r.state.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	r.state = tx.state
	r.commits++
	if r.commitLost > 0 {
		r.commitLost--
		return errCommitLost
	}
	return nil
}

func (r *memRepo) order(id int64) (*models.Order, bool) {
	o, ok := r.state.orders[id]
	if !ok {
		return nil, false
	}
	return &o, true
}

func (r *memRepo) mutateOrder(id int64, fn func(o *models.Order)) {
	o, ok := r.state.orders[id]
	if !ok {
		return
	}
	fn(&o)
	o.UpdatedAt = time.Now()
	r.state.orders[id] = o
}

func (r *memRepo) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	o, _ := r.order(id)
	return o, nil
}

func (r *memRepo) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return r.GetOrderByID(ctx, id)
}

func (r *memRepo) GetOrderByPaymentID(_ context.Context, paymentID string) (*models.Order, error) {
	for _, o := range r.state.orders {
		if o.PaymentID != nil && *o.PaymentID == paymentID {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (r *memRepo) GetOrderByShipmentID(_ context.Context, shipmentID string) (*models.Order, error) {
	for _, o := range r.state.orders {
		if o.MLShipmentID != nil && *o.MLShipmentID == shipmentID {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.PaymentID != nil {
		if existing, _ := r.GetOrderByPaymentID(ctx, *order.PaymentID); existing != nil {
			return store.ErrDuplicate
		}
	}
	order.ID = r.state.id()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	r.state.orders[order.ID] = *order
	return nil
}

func (r *memRepo) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	r.mutateOrder(orderID, func(o *models.Order) { o.Status = status })
	return nil
}

func (r *memRepo) UpdateOrderShipment(_ context.Context, orderID int64, u models.ShipmentUpdate) error {
	r.mutateOrder(orderID, func(o *models.Order) {
		if u.Status != nil {
			o.Status = *u.Status
		}
		if u.ShippingStatus != nil {
			o.ShippingStatus = u.ShippingStatus
		}
		if u.MLShipmentID != nil {
			o.MLShipmentID = u.MLShipmentID
		}
		if u.MLShipmentStatus != nil {
			o.MLShipmentStatus = u.MLShipmentStatus
		}
		if u.MLShipmentSubstatus != nil {
			o.MLShipmentSubstatus = u.MLShipmentSubstatus
		}
		if u.TrackingNumber != nil {
			o.TrackingNumber = u.TrackingNumber
		}
		if u.TrackingURL != nil {
			o.TrackingURL = u.TrackingURL
		}
		if u.ShippingAgency != nil {
			o.ShippingAgency = u.ShippingAgency
		}
		if u.Metadata != nil {
			o.Metadata = *u.Metadata
		}
	})
	return nil
}

func (r *memRepo) UpdateOrderMetadata(_ context.Context, orderID int64, metadata models.OrderMetadata) error {
	r.mutateOrder(orderID, func(o *models.Order) { o.Metadata = metadata })
	return nil
}

func (r *memRepo) SetMerchantOrderID(_ context.Context, orderID int64, merchantOrderID string) error {
	r.mutateOrder(orderID, func(o *models.Order) { o.MerchantOrderID = &merchantOrderID })
	return nil
}

func (r *memRepo) MarkOrderPaid(ctx context.Context, orderID int64, paymentID string) error {
	if existing, _ := r.GetOrderByPaymentID(ctx, paymentID); existing != nil && existing.ID != orderID {
		return store.ErrDuplicate
	}
	r.mutateOrder(orderID, func(o *models.Order) {
		o.Status = models.OrderStatusPaid
		o.PaymentID = &paymentID
	})
	return nil
}

func (r *memRepo) MarkStockDeducted(_ context.Context, orderID int64) (bool, error) {
	o, ok := r.order(orderID)
	if !ok || o.StockDeducted {
		return false, nil
	}
	r.mutateOrder(orderID, func(o *models.Order) { o.StockDeducted = true })
	return true, nil
}

func (r *memRepo) MarkStockRestored(_ context.Context, orderID int64) (bool, error) {
	o, ok := r.order(orderID)
	if !ok || !o.StockDeducted || o.StockRestored {
		return false, nil
	}
	r.mutateOrder(orderID, func(o *models.Order) { o.StockRestored = true })
	return true, nil
}

func (r *memRepo) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	item.ID = r.state.id()
	r.state.items[item.OrderID] = append(r.state.items[item.OrderID], *item)
	return nil
}

func (r *memRepo) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), r.state.items[orderID]...), nil
}

func (r *memRepo) GetProductForUpdate(_ context.Context, id int64) (*models.Product, error) {
	p, ok := r.state.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memRepo) AdjustProductStock(_ context.Context, productID int64, delta int) error {
	if len(r.root.adjustErrs) > 0 {
		err := r.root.adjustErrs[0]
		r.root.adjustErrs = r.root.adjustErrs[1:]
		if err != nil {
			return err
		}
	}
	p, ok := r.state.products[productID]
	if !ok || p.Stock+delta < 0 {
		return store.ErrInsufficientStock
	}
	p.Stock += delta
	r.state.products[productID] = p
	return nil
}

func (r *memRepo) UpdateProductSyncStatus(_ context.Context, mlItemID, status string) (int64, error) {
	var n int64
	for id, p := range r.state.products {
		if p.MLItemID != nil && *p.MLItemID == mlItemID {
			status := status
			p.MLSyncStatus = &status
			r.state.products[id] = p
			n++
		}
	}
	return n, nil
}

func (r *memRepo) AppendStockMovement(_ context.Context, m *models.StockMovement) error {
	m.ID = r.state.id()
	r.state.movements = append(r.state.movements, *m)
	return nil
}

func (r *memRepo) UserExists(_ context.Context, id int64) (bool, error) {
	return r.state.users[id], nil
}

func (r *memRepo) GetShippingMethod(_ context.Context, id int64) (*models.ShippingMethod, error) {
	m, ok := r.state.methods[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *memRepo) AppendShipmentHistory(_ context.Context, entry *models.ShipmentHistoryEntry) error {
	entry.ID = r.state.id()
	entry.CreatedAt = time.Now()
	r.state.history = append(r.state.history, *entry)
	return nil
}

func (r *memRepo) ListShipmentHistory(_ context.Context, orderID int64) ([]models.ShipmentHistoryEntry, error) {
	var out []models.ShipmentHistoryEntry
	for _, h := range r.state.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepo) CreateWebhookRecord(_ context.Context, record *models.WebhookRecord) error {
	if _, ok := r.state.webhooks[record.ID]; ok {
		return store.ErrDuplicate
	}
	record.CreatedAt = time.Now()
	r.state.webhooks[record.ID] = *record
	r.state.hookOrder = append(r.state.hookOrder, record.ID)
	return nil
}

func (r *memRepo) GetWebhookRecord(_ context.Context, id string) (*models.WebhookRecord, error) {
	rec, ok := r.state.webhooks[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) ListWebhookRecords(_ context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error) {
	out := []models.WebhookRecord{}
	for _, id := range r.state.hookOrder {
		rec := r.state.webhooks[id]
		if filter.Source != "" && rec.Source != filter.Source {
			continue
		}
		if filter.Processed != nil && rec.Processed != *filter.Processed {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepo) MarkWebhookResult(_ context.Context, id string, handlerErr error) error {
	rec, ok := r.state.webhooks[id]
	if !ok {
		return fmt.Errorf("webhook %s missing", id)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	rec.Processed = handlerErr == nil
	rec.ErrorMessage = nil
	if handlerErr != nil {
		msg := handlerErr.Error()
		rec.ErrorMessage = &msg
	}
	r.state.webhooks[id] = rec
	return nil
}

func (r *memRepo) IncrementWebhookRetry(_ context.Context, id string) error {
	rec, ok := r.state.webhooks[id]
	if !ok {
		return nil
	}
	rec.RetryCount++
	r.state.webhooks[id] = rec
	return nil
}

// seeding helpers

func (r *memRepo) addProduct(id int64, stock int) {
	r.state.products[id] = models.Product{ID: id, Name: fmt.Sprintf("product-%d", id), Stock: stock}
}

func (r *memRepo) stock(id int64) int {
	return r.state.products[id].Stock
}

func (r *memRepo) addOrder(o models.Order, items ...models.OrderItem) int64 {
	if o.ID == 0 {
		o.ID = r.state.id()
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	r.state.orders[o.ID] = o
	for _, it := range items {
		it.OrderID = o.ID
		it.ID = r.state.id()
		r.state.items[o.ID] = append(r.state.items[o.ID], it)
	}
	return o.ID
}

func (r *memRepo) mustOrder(id int64) models.Order {
	return r.state.orders[id]
}

func (r *memRepo) orderCount() int {
	return len(r.state.orders)
}

func (r *memRepo) movementsFor(orderID int64, kind string) []models.StockMovement {
	var out []models.StockMovement
	for _, m := range r.state.movements {
		if m.OrderID == orderID && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// interleavingRepo runs afterLookup once, right after the first order lookup
// made outside a transaction, standing in for a writer that commits between
// that read and the caller's own transaction.
type interleavingRepo struct {
	*memRepo
	afterLookup func(r *memRepo)
}

func (r *interleavingRepo) interleave() {
	if fn := r.afterLookup; fn != nil {
		r.afterLookup = nil
		fn(r.memRepo)
	}
}

func (r *interleavingRepo) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, err := r.memRepo.GetOrderByID(ctx, id)
	r.interleave()
	return o, err
}

func (r *interleavingRepo) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	o, err := r.memRepo.GetOrderByPaymentID(ctx, paymentID)
	r.interleave()
	return o, err
}

func (r *interleavingRepo) GetOrderByShipmentID(ctx context.Context, shipmentID string) (*models.Order, error) {
	o, err := r.memRepo.GetOrderByShipmentID(ctx, shipmentID)
	r.interleave()
	return o, err
}

// fakeMarketplace serves canned marketplace and payment provider resources.
type fakeMarketplace struct {
	mu sync.Mutex

	shipments map[string]*marketplace.Shipment
	orders    map[string]*marketplace.Order
	items     map[string]*marketplace.Item
	payments  map[string]*marketplace.Payment
	// merchantOrders is served in sequence; the last entry repeats.
	merchantOrders []*marketplace.MerchantOrder
	err            error

	shipmentCalls      int
	merchantOrderCalls int
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		shipments: map[string]*marketplace.Shipment{},
		orders:    map[string]*marketplace.Order{},
		items:     map[string]*marketplace.Item{},
		payments:  map[string]*marketplace.Payment{},
	}
}

func notFound(path string) error {
	return &marketplace.APIError{StatusCode: 404, Path: path}
}

func (f *fakeMarketplace) GetShipment(_ context.Context, _ int64, id string) (*marketplace.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shipmentCalls++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.shipments[id]
	if !ok {
		return nil, notFound("/shipments/" + id)
	}
	return s, nil
}

func (f *fakeMarketplace) GetOrder(_ context.Context, _ int64, id string) (*marketplace.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, notFound("/orders/" + id)
	}
	return o, nil
}

func (f *fakeMarketplace) GetItem(_ context.Context, _ int64, id string) (*marketplace.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, notFound("/items/" + id)
	}
	return it, nil
}

func (f *fakeMarketplace) GetPayment(_ context.Context, id string) (*marketplace.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.payments[id]
	if !ok {
		return nil, notFound("/v1/payments/" + id)
	}
	return p, nil
}

func (f *fakeMarketplace) GetMerchantOrder(_ context.Context, id string) (*marketplace.MerchantOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.merchantOrderCalls
	f.merchantOrderCalls++
	if len(f.merchantOrders) == 0 {
		return nil, notFound("/merchant_orders/" + id)
	}
	if idx >= len(f.merchantOrders) {
		idx = len(f.merchantOrders) - 1
	}
	return f.merchantOrders[idx], nil
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu       sync.Mutex
	statuses []*models.ShipmentStatusChangedEvent
	paid     []*models.OrderPaidEvent
	restored []*models.StockRestoredEvent
}

func (p *recordingPublisher) PublishShipmentStatusChanged(_ context.Context, e *models.ShipmentStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, e)
	return nil
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, e)
	return nil
}

func (p *recordingPublisher) PublishStockRestored(_ context.Context, e *models.StockRestoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, e)
	return nil
}

// localLocker is a process-local Locker.
type localLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls int
}

func (l *localLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.calls++
	if l.held[key] {
		l.mu.Unlock()
		return errors.New("lock held")
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		FetchMaxRetries:      2,
		FetchInitialDelay:    time.Millisecond,
		FetchMaxDelay:        2 * time.Millisecond,
		PollMaxRetries:       3,
		PollInitialDelay:     time.Millisecond,
		PollMaxDelay:         2 * time.Millisecond,
		RollbackMaxRetries:   2,
		RollbackInitialDelay: time.Millisecond,
		RollbackMaxDelay:     2 * time.Millisecond,
	}
}
