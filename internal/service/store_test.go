package service

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/repository"
)

type enrollmentKey struct{ user, course string }

// memStore хранит данные в памяти и выполняет условные записи так же, как SQL-реализации.
type memStore struct {
	mu          sync.Mutex
	orders      map[string]*model.Order
	codes       map[string]*model.RedemptionCode
	enrollments map[enrollmentKey]*model.Enrollment

	upsertErr        error
	enrollmentErr    error
	orderLookupErr   error
	redeemLookupErr  error
	createCodesCalls int
	createCodesErrs  []error
}

func newMemStore() *memStore {
	return &memStore{
		orders:      make(map[string]*model.Order),
		codes:       make(map[string]*model.RedemptionCode),
		enrollments: make(map[enrollmentKey]*model.Enrollment),
	}
}

func (m *memStore) Close() error { return nil }

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.Items = append([]model.OrderItem(nil), o.Items...)
	return &c
}

func (m *memStore) CreateOrder(_ context.Context, o *model.Order) (*model.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.IdempotencyKey != "" {
		for _, existing := range m.orders {
			if existing.BuyerID == o.BuyerID && existing.IdempotencyKey == o.IdempotencyKey {
				return cloneOrder(existing), true, nil
			}
		}
	}
	m.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), false, nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) ListOrdersByBuyer(_ context.Context, buyerID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	for _, o := range m.orders {
		if o.BuyerID == buyerID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListOrdersByStatus(_ context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	for _, o := range m.orders {
		if o.Status == status && len(out) < limit {
			out = append(out, *cloneOrder(o))
		}
	}
	return out, nil
}

func (m *memStore) TransitionOrder(_ context.Context, id string, to model.OrderStatus, adminID, reason string, now time.Time) (*model.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if o.Status != model.OrderStatusPending {
		return cloneOrder(o), false, nil
	}
	o.Status = to
	o.DecidedBy = adminID
	o.RejectReason = reason
	o.UpdatedAt = now
	return cloneOrder(o), true, nil
}

func (m *memStore) OrderStatusesForCourse(_ context.Context, userID, courseID string) ([]model.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orderLookupErr != nil {
		return nil, m.orderLookupErr
	}
	var out []model.OrderStatus
	for _, o := range m.orders {
		if o.BuyerID == userID && slices.Contains(o.CourseIDs(), courseID) {
			out = append(out, o.Status)
		}
	}
	return out, nil
}

func (m *memStore) CreateRedemptionCodes(_ context.Context, codes []model.RedemptionCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCodesCalls++
	if len(m.createCodesErrs) > 0 {
		err := m.createCodesErrs[0]
		m.createCodesErrs = m.createCodesErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, c := range codes {
		if _, ok := m.codes[c.Code]; ok {
			return repository.ErrDuplicateCode
		}
	}
	for _, c := range codes {
		c := c
		if c.Status == "" {
			c.Status = model.CodeStatusUnused
		}
		m.codes[c.Code] = &c
	}
	return nil
}

func (m *memStore) GetRedemptionCode(_ context.Context, code string) (*model.RedemptionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) RedeemCode(_ context.Context, code, userID string, now time.Time) (*model.RedemptionCode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[code]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if c.Status != model.CodeStatusUnused || c.ExpiredAt(now) {
		cp := *c
		return &cp, false, nil
	}
	c.Status = model.CodeStatusRedeemed
	c.RedeemedBy = userID
	c.RedeemedAt = &now
	cp := *c
	return &cp, true, nil
}

func (m *memStore) RedeemedCodesFor(_ context.Context, userID, courseID string) ([]model.RedemptionCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redeemLookupErr != nil {
		return nil, m.redeemLookupErr
	}
	var res []model.RedemptionCode
	for _, c := range m.codes {
		if c.Status != model.CodeStatusRedeemed || c.RedeemedBy != userID {
			continue
		}
		if c.Scope == courseID || c.Scope == model.ScopeAll {
			res = append(res, *c)
		}
	}
	return res, nil
}

func (m *memStore) UpsertEnrollment(_ context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	k := enrollmentKey{userID, courseID}
	e, ok := m.enrollments[k]
	if !ok {
		e = &model.Enrollment{UserID: userID, CourseID: courseID, EnrolledAt: now}
		m.enrollments[k] = e
	}
	e.LastAccessedAt = now
	cp := *e
	return &cp, nil
}

func (m *memStore) TouchEnrollment(_ context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[enrollmentKey{userID, courseID}]
	if !ok {
		return nil, model.ErrNotFound
	}
	e.LastAccessedAt = now
	cp := *e
	return &cp, nil
}

func (m *memStore) CompleteEnrollment(_ context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[enrollmentKey{userID, courseID}]
	if !ok {
		return nil, model.ErrNotFound
	}
	e.IsCompleted = true
	e.LastAccessedAt = now
	cp := *e
	return &cp, nil
}

func (m *memStore) EnrollmentExists(_ context.Context, userID, courseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enrollmentErr != nil {
		return false, m.enrollmentErr
	}
	_, ok := m.enrollments[enrollmentKey{userID, courseID}]
	return ok, nil
}

func (m *memStore) ListEnrollments(_ context.Context, userID string) ([]model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Enrollment
	for k, e := range m.enrollments {
		if k.user == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) ListProjectionGaps(_ context.Context, limit int) ([]model.ProjectionGap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gaps []model.ProjectionGap
	for _, o := range m.orders {
		if o.Status != model.OrderStatusCompleted {
			continue
		}
		for _, id := range o.CourseIDs() {
			if _, ok := m.enrollments[enrollmentKey{o.BuyerID, id}]; !ok {
				gaps = append(gaps, model.ProjectionGap{Source: model.SourceOrder, SourceID: o.ID, UserID: o.BuyerID, CourseID: id})
			}
		}
	}
	for _, c := range m.codes {
		if c.Status != model.CodeStatusRedeemed || c.Scope == model.ScopeAll {
			continue
		}
		if _, ok := m.enrollments[enrollmentKey{c.RedeemedBy, c.Scope}]; !ok {
			gaps = append(gaps, model.ProjectionGap{Source: model.SourceRedemption, SourceID: c.Code, UserID: c.RedeemedBy, CourseID: c.Scope})
		}
	}
	if len(gaps) > limit {
		gaps = gaps[:limit]
	}
	return gaps, nil
}

func (m *memStore) ListWildcardRedeemers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []string
	for _, c := range m.codes {
		if c.Status == model.CodeStatusRedeemed && c.Scope == model.ScopeAll {
			users = append(users, c.RedeemedBy)
		}
	}
	sort.Strings(users)
	return users, nil
}

type stubCatalog struct {
	courses []model.Course
	listErr error
	getErr  error
}

func (c *stubCatalog) ListCourses(context.Context) ([]model.Course, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.courses, nil
}

func (c *stubCatalog) GetCourse(_ context.Context, id string) (*model.Course, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	for _, course := range c.courses {
		if course.ID == id {
			cp := course
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []model.ProjectionTask
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task model.ProjectionTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return q.err
}

type stubIdempotency struct {
	ids       map[string]string
	lookupErr error
}

func (s *stubIdempotency) Lookup(_ context.Context, buyerID, key string) (string, bool, error) {
	if s.lookupErr != nil {
		return "", false, s.lookupErr
	}
	id, ok := s.ids[buyerID+"/"+key]
	return id, ok, nil
}

func (s *stubIdempotency) Remember(_ context.Context, buyerID, key, orderID string) error {
	if s.ids == nil {
		s.ids = make(map[string]string)
	}
	s.ids[buyerID+"/"+key] = orderID
	return nil
}

var errStorage = errors.New("storage unavailable")
