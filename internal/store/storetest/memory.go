// Package storetest provides an in-memory order store with the same transition
// rules as the Postgres store, for use in tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/store"
)

type Store struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	byRef  map[string]string
	now    func() time.Time

	// Calls counts method invocations by name.
	Calls map[string]int
	// Fail makes the named method return the error instead of running.
	Fail map[string]error
}

func New() *Store {
	return &Store{
		orders: map[string]*models.Order{},
		byRef:  map[string]string{},
		now:    func() time.Time { return time.Now().UTC() },
		Calls:  map[string]int{},
		Fail:   map[string]error{},
	}
}

func (s *Store) enter(name string) error {
	s.Calls[name]++
	return s.Fail[name]
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateOrder"); err != nil {
		return err
	}
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("duplicate order id %s", order.ID)
	}
	if _, ok := s.byRef[order.ReferenceNumber]; ok {
		return fmt.Errorf("duplicate reference number %s", order.ReferenceNumber)
	}
	cp := clone(order)
	s.orders[order.ID] = cp
	s.byRef[order.ReferenceNumber] = order.ID
	return nil
}

// Put stores an order as-is, bypassing transition rules.
func (s *Store) Put(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = clone(order)
	s.byRef[order.ReferenceNumber] = order.ID
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetOrderByReference"); err != nil {
		return nil, err
	}
	id, ok := s.byRef[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(s.orders[id]), nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOrdersByUser"); err != nil {
		return nil, err
	}
	return s.filter(func(o *models.Order) bool { return o.UserID == userID }), nil
}

func (s *Store) SettleOrder(ctx context.Context, reference string, st models.Settlement) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SettleOrder"); err != nil {
		return nil, false, err
	}
	id, ok := s.byRef[reference]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	o := s.orders[id]
	switch {
	case o.Status == models.OrderPaid:
		return clone(o), false, nil
	case !o.Status.CanTransitionTo(models.OrderPaid):
		if o.TransactionID == nil {
			s.recordPayment(o, st)
		}
		return clone(o), false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, o.Status, models.OrderPaid)
	}
	o.Status = models.OrderPaid
	s.recordPayment(o, st)
	paidAt := st.PaidAt
	o.PaidAt = &paidAt
	return clone(o), true, nil
}

func (s *Store) recordPayment(o *models.Order, st models.Settlement) {
	o.TransactionID = ptr(st.TransactionID)
	o.HesabeID = ptr(st.HesabeID)
	o.PaymentID = ptr(st.PaymentID)
	o.Terminal = ptr(st.Terminal)
	o.TrackID = ptr(st.TrackID)
	o.PaymentType = ptr(st.PaymentType)
	o.ServiceType = ptr(st.ServiceType)
	o.UpdatedAt = s.now()
}

func (s *Store) ClaimProvisioning(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ClaimProvisioning"); err != nil {
		return false, err
	}
	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderPaid || o.ProvisionState != models.ProvisionNotAttempted {
		return false, nil
	}
	o.ProvisionState = models.ProvisionInProgress
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CompleteProvisioning(ctx context.Context, orderID string, providerOrderID *string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CompleteProvisioning"); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok || o.ProvisionState != models.ProvisionInProgress {
		return fmt.Errorf("%w: provisioning not claimed", store.ErrInvalidTransition)
	}
	now := s.now()
	o.ProvisionState = models.ProvisionSucceeded
	if providerOrderID != nil {
		id := *providerOrderID
		o.AiraloOrderID = &id
	}
	if len(raw) > 0 {
		o.OrderData = append(json.RawMessage(nil), raw...)
	}
	o.ProvisionError = nil
	o.ProvisionedAt = &now
	o.UpdatedAt = now
	return nil
}

func (s *Store) FailProvisioning(ctx context.Context, orderID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FailProvisioning"); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok || o.ProvisionState != models.ProvisionInProgress {
		return fmt.Errorf("%w: provisioning not claimed", store.ErrInvalidTransition)
	}
	o.ProvisionState = models.ProvisionFailed
	o.ProvisionError = &reason
	o.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListUnprovisioned(ctx context.Context, paidBefore time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListUnprovisioned"); err != nil {
		return nil, err
	}
	return s.filter(func(o *models.Order) bool {
		return o.Status == models.OrderPaid && o.ProvisionState == models.ProvisionNotAttempted &&
			o.PaidAt != nil && o.PaidAt.Before(paidBefore)
	}), nil
}

func (s *Store) ListProvisionIssues(ctx context.Context, before time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListProvisionIssues"); err != nil {
		return nil, err
	}
	return s.filter(func(o *models.Order) bool {
		if o.Status != models.OrderPaid {
			return false
		}
		return o.ProvisionState == models.ProvisionFailed ||
			(o.ProvisionState == models.ProvisionInProgress && o.UpdatedAt.Before(before))
	}), nil
}

func (s *Store) ListStalePending(ctx context.Context, createdBefore time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListStalePending"); err != nil {
		return nil, err
	}
	return s.filter(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.CreatedAt.Before(createdBefore)
	}), nil
}

// Snapshot returns a copy of the stored order, or nil.
func (s *Store) Snapshot(orderID string) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	return clone(o)
}

// Count returns how many times the named method was invoked.
func (s *Store) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[name]
}

func (s *Store) filter(keep func(*models.Order) bool) []*models.Order {
	var out []*models.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clone(o *models.Order) *models.Order {
	cp := *o
	if o.OrderData != nil {
		cp.OrderData = append(json.RawMessage(nil), o.OrderData...)
	}
	return &cp
}

func ptr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
