package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderCanceled OrderStatus = "canceled"
)

// Terminal reports whether no further status change is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFailed || s == OrderCanceled
}

// CanTransitionTo enforces forward-only movement: everything leaves pending,
// nothing leaves failed or canceled, and paid only moves to itself.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderPaid || next == OrderFailed || next == OrderCanceled
	case OrderPaid:
		return next == OrderPaid
	default:
		return false
	}
}

type ProvisionState string

const (
	ProvisionNotAttempted ProvisionState = "not_attempted"
	ProvisionInProgress   ProvisionState = "in_progress"
	ProvisionSucceeded    ProvisionState = "succeeded"
	ProvisionFailed       ProvisionState = "failed"
)

// Settled reports whether the provisioning attempt has a recorded outcome.
func (p ProvisionState) Settled() bool {
	return p == ProvisionSucceeded || p == ProvisionFailed
}

type Order struct {
	ID              string
	ReferenceNumber string
	UserID          string
	PackageID       string
	Quantity        int
	Type            string
	Amount          decimal.Decimal
	Currency        string
	Status          OrderStatus

	TransactionID *string
	HesabeID      *string
	PaymentID     *string
	Terminal      *string
	TrackID       *string
	PaymentType   *string
	ServiceType   *string
	PaidAt        *time.Time

	ProvisionState ProvisionState
	AiraloOrderID  *string
	OrderData      json.RawMessage
	ProvisionError *string
	ProvisionedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settlement carries the gateway fields copied onto an order when it is paid.
type Settlement struct {
	TransactionID string
	HesabeID      string
	PaymentID     string
	Terminal      string
	TrackID       string
	PaymentType   string
	ServiceType   string
	PaidAt        time.Time
}
