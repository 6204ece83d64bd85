package chain

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned for a status code outside the contract's enum.
var ErrUnknownStatus = errors.New("chain: unknown status code")

// OrderStatus is the escrow status of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderDisputed  OrderStatus = "disputed"
)

// MilestoneStatus is the escrow status of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestonePaid      MilestoneStatus = "paid"
	MilestoneDisputed  MilestoneStatus = "disputed"
)

// The contract's uint8 enums. This is the only place numeric codes are
// interpreted; everything else in the service works with the named values.
var (
	orderStatusByCode = []OrderStatus{
		0: OrderActive,
		1: OrderCompleted,
		2: OrderCancelled,
		3: OrderDisputed,
	}
	milestoneStatusByCode = []MilestoneStatus{
		0: MilestonePending,
		1: MilestoneSubmitted,
		2: MilestoneApproved,
		3: MilestonePaid,
		4: MilestoneDisputed,
	}
)

// OrderStatusFromCode maps the contract's order status code.
func OrderStatusFromCode(code uint8) (OrderStatus, error) {
	if int(code) >= len(orderStatusByCode) {
		return "", fmt.Errorf("%w: order status %d", ErrUnknownStatus, code)
	}
	return orderStatusByCode[code], nil
}

// MilestoneStatusFromCode maps the contract's milestone status code.
func MilestoneStatusFromCode(code uint8) (MilestoneStatus, error) {
	if int(code) >= len(milestoneStatusByCode) {
		return "", fmt.Errorf("%w: milestone status %d", ErrUnknownStatus, code)
	}
	return milestoneStatusByCode[code], nil
}

// Code returns the contract code for s.
func (s OrderStatus) Code() (uint8, bool) {
	for i, v := range orderStatusByCode {
		if v == s {
			return uint8(i), true //nolint:gosec // table has < 256 entries
		}
	}
	return 0, false
}

// Code returns the contract code for s.
func (s MilestoneStatus) Code() (uint8, bool) {
	for i, v := range milestoneStatusByCode {
		if v == s {
			return uint8(i), true //nolint:gosec // table has < 256 entries
		}
	}
	return 0, false
}

func (s OrderStatus) Valid() bool {
	_, ok := s.Code()
	return ok
}

func (s MilestoneStatus) Valid() bool {
	_, ok := s.Code()
	return ok
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}
