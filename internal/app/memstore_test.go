package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vpnportal/ledger/internal/domain"
	"github.com/vpnportal/ledger/internal/store"
	"github.com/vpnportal/ledger/pkg/processorclient"
)

var errInjected = errors.New("injected failure")

type memEvent struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

type memState struct {
	clock       func() time.Time
	plans       map[uuid.UUID]domain.Plan
	payments    map[uuid.UUID]domain.Payment
	subs        map[uuid.UUID]domain.Subscription
	referrals   map[uuid.UUID]domain.Referral
	clicks      []domain.AffiliateClick
	commissions map[uuid.UUID]domain.Commission
	order       []uuid.UUID
	affiliates  map[uuid.UUID]domain.Affiliate
	webhookLogs map[string]domain.WebhookLog
	events      []memEvent
	// locks records every row or advisory lock taken, in acquisition order.
	locks []string
}

func newMemState(clock func() time.Time) *memState {
	return &memState{
		clock:       clock,
		plans:       map[uuid.UUID]domain.Plan{},
		payments:    map[uuid.UUID]domain.Payment{},
		subs:        map[uuid.UUID]domain.Subscription{},
		referrals:   map[uuid.UUID]domain.Referral{},
		commissions: map[uuid.UUID]domain.Commission{},
		affiliates:  map[uuid.UUID]domain.Affiliate{},
		webhookLogs: map[string]domain.WebhookLog{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		clock:       s.clock,
		plans:       cloneMap(s.plans),
		payments:    cloneMap(s.payments),
		subs:        cloneMap(s.subs),
		referrals:   cloneMap(s.referrals),
		clicks:      append([]domain.AffiliateClick(nil), s.clicks...),
		commissions: cloneMap(s.commissions),
		order:       append([]uuid.UUID(nil), s.order...),
		affiliates:  cloneMap(s.affiliates),
		webhookLogs: cloneMap(s.webhookLogs),
		events:      append([]memEvent(nil), s.events...),
		locks:       append([]string(nil), s.locks...),
	}
}

type memQueries struct {
	st     *memState
	failOp string
}

func (q *memQueries) lock(kind string, id uuid.UUID) {
	q.st.locks = append(q.st.locks, kind+":"+id.String())
}

func (q *memQueries) check(op string) error {
	if q.failOp == op {
		return fmt.Errorf("%s: %w", op, errInjected)
	}
	return nil
}

// memStore is an in-memory Store: transactions work on a copy that replaces the committed
// state only when fn succeeds.
type memStore struct {
	memQueries
	mu sync.Mutex
}

func newMemStore(clock func() time.Time) *memStore {
	return &memStore{memQueries: memQueries{st: newMemState(clock)}}
}

func (m *memStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(&memQueries{st: work, failOp: m.failOp}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (q *memQueries) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	p, ok := q.st.plans[id]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	return &p, nil
}

func (q *memQueries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if err := q.check("CreatePayment"); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = q.st.clock()
	p.UpdatedAt = p.CreatedAt
	q.st.payments[p.ID] = *p
	return nil
}

func (q *memQueries) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, ok := q.st.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return &p, nil
}

func (q *memQueries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return q.GetPayment(ctx, id)
}

func (q *memQueries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	if err := q.check("UpdatePayment"); err != nil {
		return err
	}
	if _, ok := q.st.payments[p.ID]; !ok {
		return store.ErrPaymentNotFound
	}
	q.st.payments[p.ID] = *p
	return nil
}

func (q *memQueries) ListExpiredPendingPayments(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range q.st.payments {
		if p.Status == domain.PaymentPending && p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *memQueries) InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) (bool, error) {
	if err := q.check("InsertWebhookLog"); err != nil {
		return false, err
	}
	key := log.PaymentID.String() + "|" + log.Status
	if _, exists := q.st.webhookLogs[key]; exists {
		return false, nil
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.ReceivedAt = q.st.clock()
	q.st.webhookLogs[key] = *log
	return true, nil
}

func (q *memQueries) CreateSubscription(ctx context.Context, s *domain.Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = q.st.clock()
	q.st.subs[s.ID] = *s
	return nil
}

func (q *memQueries) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s, ok := q.st.subs[id]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (q *memQueries) LockUserSubscriptions(ctx context.Context, userID uuid.UUID) error {
	if err := q.check("LockUserSubscriptions"); err != nil {
		return err
	}
	q.lock("user", userID)
	return nil
}

// GetCurrentSubscriptionForUpdate logs its lock under the user id since the row may not exist.
func (q *memQueries) GetCurrentSubscriptionForUpdate(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Subscription, error) {
	q.lock("subscription", userID)
	var best *domain.Subscription
	for _, s := range q.st.subs {
		s := s
		if s.UserID != userID || !s.IsCurrent(now) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = &s
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return best, nil
}

func (q *memQueries) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	if _, ok := q.st.subs[s.ID]; !ok {
		return store.ErrSubscriptionNotFound
	}
	q.st.subs[s.ID] = *s
	return nil
}

func (q *memQueries) ListLapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range q.st.subs {
		if s.Status == domain.SubscriptionActive && !s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (q *memQueries) CreateReferral(ctx context.Context, r *domain.Referral) error {
	for _, existing := range q.st.referrals {
		if existing.UserID == r.UserID {
			return store.ErrReferralExists
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = q.st.clock()
	q.st.referrals[r.ID] = *r
	return nil
}

func (q *memQueries) GetReferralForUpdate(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	r, ok := q.st.referrals[id]
	if !ok {
		return nil, store.ErrReferralNotFound
	}
	q.lock("referral", r.ID)
	return &r, nil
}

func (q *memQueries) GetReferralByUserForUpdate(ctx context.Context, userID uuid.UUID) (*domain.Referral, error) {
	for _, r := range q.st.referrals {
		if r.UserID == userID {
			r := r
			q.lock("referral", r.ID)
			return &r, nil
		}
	}
	return nil, store.ErrReferralNotFound
}

func (q *memQueries) UpdateReferral(ctx context.Context, r *domain.Referral) error {
	if _, ok := q.st.referrals[r.ID]; !ok {
		return store.ErrReferralNotFound
	}
	q.st.referrals[r.ID] = *r
	return nil
}

func (q *memQueries) CreateClick(ctx context.Context, c *domain.AffiliateClick) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q.st.clicks = append(q.st.clicks, *c)
	return nil
}

func (q *memQueries) MarkClicksConverted(ctx context.Context, affiliateID uuid.UUID, ipHash string, since, now time.Time) (int64, error) {
	if ipHash == "" {
		return 0, nil
	}
	var n int64
	for i := range q.st.clicks {
		c := &q.st.clicks[i]
		if c.AffiliateID == affiliateID && c.IPHash == ipHash && !c.ClickedAt.Before(since) && !c.Converted {
			c.Converted = true
			at := now
			c.ConvertedAt = &at
			n++
		}
	}
	return n, nil
}

func (q *memQueries) InsertCommission(ctx context.Context, c *domain.Commission) error {
	if err := q.check("InsertCommission"); err != nil {
		return err
	}
	for _, existing := range q.st.commissions {
		if existing.PaymentID == c.PaymentID {
			return store.ErrCommissionExists
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = q.st.clock()
	c.UpdatedAt = c.CreatedAt
	q.st.commissions[c.ID] = *c
	q.st.order = append(q.st.order, c.ID)
	return nil
}

func (q *memQueries) GetCommission(ctx context.Context, id uuid.UUID) (*domain.Commission, error) {
	c, ok := q.st.commissions[id]
	if !ok {
		return nil, store.ErrCommissionNotFound
	}
	return &c, nil
}

func (q *memQueries) GetCommissionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Commission, error) {
	c, err := q.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	q.lock("commission", c.ID)
	return c, nil
}

func (q *memQueries) UpdateCommission(ctx context.Context, c *domain.Commission) error {
	if err := q.check("UpdateCommission"); err != nil {
		return err
	}
	if _, ok := q.st.commissions[c.ID]; !ok {
		return store.ErrCommissionNotFound
	}
	q.st.commissions[c.ID] = *c
	return nil
}

func (q *memQueries) ListCommissions(ctx context.Context, f store.CommissionFilter) ([]domain.Commission, error) {
	var ids map[uuid.UUID]bool
	if f.IDs != nil {
		ids = map[uuid.UUID]bool{}
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	var out []domain.Commission
	for _, id := range q.st.order {
		c := q.st.commissions[id]
		if f.AffiliateID != nil && c.AffiliateID != *f.AffiliateID {
			continue
		}
		if f.ReferralID != nil && c.ReferralID != *f.ReferralID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if ids != nil && !ids[c.ID] {
			continue
		}
		out = append(out, c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (q *memQueries) ListCommissionsForUpdate(ctx context.Context, f store.CommissionFilter) ([]domain.Commission, error) {
	out, err := q.ListCommissions(ctx, f)
	for _, c := range out {
		q.lock("commission", c.ID)
	}
	return out, err
}

func (q *memQueries) ListMaturedCommissions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Commission, error) {
	var out []domain.Commission
	for _, id := range q.st.order {
		c := q.st.commissions[id]
		p := q.st.payments[c.PaymentID]
		if c.Status == domain.CommissionPending && c.CreatedAt.Before(createdBefore) && p.Status.IsSuccessful() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (q *memQueries) ListPaidCommissions(ctx context.Context, from, to time.Time) ([]domain.PayoutExportRow, error) {
	var out []domain.PayoutExportRow
	for _, id := range q.st.order {
		c := q.st.commissions[id]
		if c.Status != domain.CommissionPaid || c.PaidAt == nil || c.PaidAt.Before(from) || !c.PaidAt.Before(to) {
			continue
		}
		a := q.st.affiliates[c.AffiliateID]
		ref := ""
		if c.PayoutTransactionID != nil {
			ref = *c.PayoutTransactionID
		}
		out = append(out, domain.PayoutExportRow{
			PaidAt:         *c.PaidAt,
			AffiliateID:    a.ID,
			AffiliateCode:  a.Code,
			CommissionID:   c.ID,
			Amount:         c.Amount,
			Currency:       c.Currency,
			TransactionID:  ref,
			PayoutCurrency: a.PayoutCurrency,
		})
	}
	return out, nil
}

func (q *memQueries) CreateAffiliate(ctx context.Context, a *domain.Affiliate) error {
	for _, existing := range q.st.affiliates {
		if existing.Code == a.Code {
			return store.ErrAffiliateCodeTaken
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.PendingBalance, a.LifetimeEarnings, a.PaidOutTotal = decimal.Zero, decimal.Zero, decimal.Zero
	a.CreatedAt = q.st.clock()
	q.st.affiliates[a.ID] = *a
	return nil
}

func (q *memQueries) GetAffiliate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	a, ok := q.st.affiliates[id]
	if !ok {
		return nil, store.ErrAffiliateNotFound
	}
	return &a, nil
}

func (q *memQueries) GetAffiliateForUpdate(ctx context.Context, id uuid.UUID) (*domain.Affiliate, error) {
	a, err := q.GetAffiliate(ctx, id)
	if err != nil {
		return nil, err
	}
	q.lock("affiliate", a.ID)
	return a, nil
}

func (q *memQueries) GetAffiliateByCode(ctx context.Context, code string) (*domain.Affiliate, error) {
	code = domain.NormalizeAffiliateCode(code)
	for _, a := range q.st.affiliates {
		if a.Code == code {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrAffiliateNotFound
}

func (q *memQueries) UpdateAffiliateSettings(ctx context.Context, a *domain.Affiliate) error {
	existing, ok := q.st.affiliates[a.ID]
	if !ok {
		return store.ErrAffiliateNotFound
	}
	existing.CommissionRate = a.CommissionRate
	existing.Status = a.Status
	existing.PayoutCurrency = a.PayoutCurrency
	existing.PayoutAddress = a.PayoutAddress
	existing.MinimumPayoutAmount = a.MinimumPayoutAmount
	q.st.affiliates[a.ID] = existing
	return nil
}

func (q *memQueries) RecomputeAffiliateBalances(ctx context.Context, affiliateID uuid.UUID) (domain.Balances, error) {
	if err := q.check("RecomputeAffiliateBalances"); err != nil {
		return domain.Balances{}, err
	}
	a, ok := q.st.affiliates[affiliateID]
	if !ok {
		return domain.Balances{}, store.ErrAffiliateNotFound
	}
	q.lock("affiliate", affiliateID)
	var mine []domain.Commission
	for _, c := range q.st.commissions {
		if c.AffiliateID == affiliateID {
			mine = append(mine, c)
		}
	}
	b := domain.ComputeBalances(mine)
	a.PendingBalance, a.LifetimeEarnings, a.PaidOutTotal = b.PendingBalance, b.LifetimeEarnings, b.PaidOutTotal
	q.st.affiliates[affiliateID] = a
	return b, nil
}

func (q *memQueries) ListEligibleAffiliates(ctx context.Context, minBalance decimal.Decimal) ([]domain.Affiliate, error) {
	var out []domain.Affiliate
	for _, a := range q.st.affiliates {
		if a.EligibleForPayout() && a.PendingBalance.GreaterThanOrEqual(minBalance) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PendingBalance.GreaterThan(out[j].PendingBalance) })
	return out, nil
}

func (q *memQueries) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if err := q.check("EnqueueEvent"); err != nil {
		return err
	}
	q.st.events = append(q.st.events, memEvent{Exchange: exchange, RoutingKey: routingKey, Payload: payload})
	return nil
}

// fixture helpers

type processorStub struct {
	requests []processorclient.InvoiceRequest
	err      error
}

func (p *processorStub) CreateInvoice(ctx context.Context, in processorclient.InvoiceRequest) (*processorclient.Invoice, error) {
	p.requests = append(p.requests, in)
	if p.err != nil {
		return nil, p.err
	}
	return &processorclient.Invoice{
		ID:           "inv_" + in.ExternalID[:8],
		Address:      "bc1qtestaddress",
		CryptoAmount: "0.0002",
		Raw:          []byte(`{"id":"inv"}`),
	}, nil
}

type ledgerFixture struct {
	t         *testing.T
	store     *memStore
	ledger    *Ledger
	processor *processorStub
	now       time.Time
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{t: t, now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), processor: &processorStub{}}
	f.store = newMemStore(func() time.Time { return f.now })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ledger = NewLedger(f.store, f.processor, logger, Options{
		LifetimePlanYears:  100,
		CommissionHoldDays: 14,
		IPHashSalt:         "test-salt",
	})
	f.ledger.now = func() time.Time { return f.now }
	return f
}

func (f *ledgerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *ledgerFixture) plan(price string, days int) domain.Plan {
	p := domain.Plan{
		ID:           uuid.New(),
		Name:         fmt.Sprintf("%d days", days),
		Price:        decimal.RequireFromString(price),
		Currency:     "USD",
		DurationDays: days,
		DeviceLimit:  5,
	}
	f.store.st.plans[p.ID] = p
	return p
}

func (f *ledgerFixture) affiliate(rate int64, payoutCurrency string) domain.Affiliate {
	a := domain.Affiliate{
		ID:                  uuid.New(),
		Code:                domain.GenerateAffiliateCode(),
		CommissionRate:      decimal.NewFromInt(rate),
		Status:              domain.AffiliateActive,
		PayoutCurrency:      payoutCurrency,
		MinimumPayoutAmount: decimal.NewFromInt(50),
		PendingBalance:      decimal.Zero,
		LifetimeEarnings:    decimal.Zero,
		PaidOutTotal:        decimal.Zero,
	}
	f.store.st.affiliates[a.ID] = a
	return a
}

func (f *ledgerFixture) referral(affiliate domain.Affiliate, userID uuid.UUID) domain.Referral {
	r := domain.Referral{
		ID:           uuid.New(),
		AffiliateID:  affiliate.ID,
		UserID:       userID,
		ReferralCode: affiliate.Code,
		Status:       domain.ReferralPending,
		ClickedAt:    f.now,
	}
	f.store.st.referrals[r.ID] = r
	return r
}

func (f *ledgerFixture) payment(userID uuid.UUID, plan domain.Plan, amount string, secret string) domain.Payment {
	p := domain.Payment{
		ID:       uuid.New(),
		UserID:   userID,
		PlanID:   plan.ID,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Status:   domain.PaymentPending,
	}
	if secret != "" {
		p.WebhookSecret = &secret
	}
	f.store.st.payments[p.ID] = p
	return p
}

func (f *ledgerFixture) webhook(paymentID uuid.UUID, status, secret string) (*domain.WebhookResult, error) {
	return f.ledger.HandleWebhook(context.Background(), domain.WebhookNotification{
		ExternalID:    paymentID.String(),
		Status:        status,
		TransactionID: "tx-" + status,
		Secret:        secret,
		SourceIP:      "198.51.100.1",
		Payload:       []byte(fmt.Sprintf(`{"status":%q}`, status)),
	})
}

// assertReconciled checks every affiliate's stored balances against its commission rows.
func (f *ledgerFixture) assertReconciled() {
	f.t.Helper()
	for id, a := range f.store.st.affiliates {
		var mine []domain.Commission
		for _, c := range f.store.st.commissions {
			if c.AffiliateID == id {
				mine = append(mine, c)
			}
		}
		if derived := domain.ComputeBalances(mine); !a.Balances().Equal(derived) {
			f.t.Fatalf("affiliate %s balances drifted: stored %+v derived %+v", a.Code, a.Balances(), derived)
		}
	}
}

func (f *ledgerFixture) commissionsFor(affiliateID uuid.UUID) []domain.Commission {
	var out []domain.Commission
	for _, id := range f.store.st.order {
		if c := f.store.st.commissions[id]; c.AffiliateID == affiliateID {
			out = append(out, c)
		}
	}
	return out
}

// lockIndex returns the position of the first kind:id lock taken, or -1.
func (f *ledgerFixture) lockIndex(kind string, id uuid.UUID) int {
	key := kind + ":" + id.String()
	for i, l := range f.store.st.locks {
		if l == key {
			return i
		}
	}
	return -1
}

func (f *ledgerFixture) eventCount(routingKey string) int {
	n := 0
	for _, e := range f.store.st.events {
		if e.RoutingKey == routingKey {
			n++
		}
	}
	return n
}
