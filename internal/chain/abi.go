package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI is the read surface of the milestone escrow contract. Every event
// indexes orderId first so logs can be filtered per order.
const escrowABI = `[
	{"type":"function","name":"getOrder","stateMutability":"view",
	 "inputs":[{"name":"orderId","type":"uint256"}],
	 "outputs":[
		{"name":"client","type":"address"},
		{"name":"builder","type":"address"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"platformFee","type":"uint256"},
		{"name":"releasedAmount","type":"uint256"},
		{"name":"milestoneCount","type":"uint256"},
		{"name":"status","type":"uint8"}]},
	{"type":"function","name":"getMilestone","stateMutability":"view",
	 "inputs":[{"name":"orderId","type":"uint256"},{"name":"index","type":"uint256"}],
	 "outputs":[
		{"name":"amount","type":"uint256"},
		{"name":"status","type":"uint8"},
		{"name":"deadline","type":"uint64"},
		{"name":"submittedAt","type":"uint64"},
		{"name":"approvedAt","type":"uint64"},
		{"name":"paidAt","type":"uint64"},
		{"name":"autoApproved","type":"bool"}]},
	{"type":"event","name":"OrderCreated","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"client","type":"address","indexed":true},
		{"name":"builder","type":"address","indexed":true},
		{"name":"totalAmount","type":"uint256","indexed":false},
		{"name":"platformFee","type":"uint256","indexed":false}]},
	{"type":"event","name":"MilestoneSubmitted","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":true}]},
	{"type":"event","name":"MilestoneApproved","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":true},
		{"name":"autoApproved","type":"bool","indexed":false}]},
	{"type":"event","name":"PaymentReleased","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":true},
		{"name":"raisedBy","type":"address","indexed":true}]},
	{"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"milestoneIndex","type":"uint256","indexed":true},
		{"name":"clientPercentage","type":"uint8","indexed":false},
		{"name":"builderPercentage","type":"uint8","indexed":false}]},
	{"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
		{"name":"orderId","type":"uint256","indexed":true}]}
]`

// erc20ABI covers the balanceOf call used for fee-tier lookups.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Escrow event names.
const (
	EventOrderCreated       = "OrderCreated"
	EventMilestoneSubmitted = "MilestoneSubmitted"
	EventMilestoneApproved  = "MilestoneApproved"
	EventPaymentReleased    = "PaymentReleased"
	EventDisputeRaised      = "DisputeRaised"
	EventDisputeResolved    = "DisputeResolved"
	EventOrderCancelled     = "OrderCancelled"
)

// EventNames lists every escrow event, in contract declaration order.
var EventNames = []string{
	EventOrderCreated,
	EventMilestoneSubmitted,
	EventMilestoneApproved,
	EventPaymentReleased,
	EventDisputeRaised,
	EventDisputeResolved,
	EventOrderCancelled,
}

// EscrowABI returns the parsed escrow contract ABI.
func EscrowABI() abi.ABI {
	return mustParse(escrowABI)
}

// ERC20ABI returns the parsed balanceOf-only token ABI.
func ERC20ABI() abi.ABI {
	return mustParse(erc20ABI)
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid embedded abi: " + err.Error())
	}
	return parsed
}
