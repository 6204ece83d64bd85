package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Transient failures: retried with backoff and counted by the circuit breaker.
var (
	ErrRPCTimeout     = errors.New("chain: rpc timeout")
	ErrRateLimited    = errors.New("chain: rpc rate limited")
	ErrRPCUnavailable = errors.New("chain: rpc unavailable")
	// ErrChainUnavailable is returned without calling the RPC while the
	// network's circuit is open.
	ErrChainUnavailable = errors.New("chain: network temporarily unavailable")
)

// Configuration failures: an operator problem, never retried.
var (
	ErrContractNotDeployed  = errors.New("chain: escrow contract not deployed on network")
	ErrNetworkNotConfigured = errors.New("chain: network not configured")
)

// Permanent failures about the requested data.
var (
	ErrOrderNotOnChain     = errors.New("chain: order not found on chain")
	ErrMilestoneNotOnChain = errors.New("chain: milestone not found on chain")
	ErrReverted            = errors.New("chain: call reverted")
	ErrDecode              = errors.New("chain: unexpected contract response")
)

// CallError annotates a failed chain read with the operation and network.
type CallError struct {
	Op      string
	Network string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("chain: %s on %s: %v", e.Op, e.Network, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRPCTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRPCUnavailable) ||
		errors.Is(err, ErrChainUnavailable)
}

// IsConfiguration reports whether err is a deployment/configuration problem.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrContractNotDeployed) || errors.Is(err, ErrNetworkNotConfigured)
}

// classify maps a raw client error onto the taxonomy. parent is the caller's
// context: its cancellation is reported as-is and never treated as an RPC
// fault.
func classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, ErrContractNotDeployed) || errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrOrderNotOnChain) || errors.Is(err, ErrMilestoneNotOnChain) ||
		errors.Is(err, ErrUnknownStatus) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case httpErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrReverted, err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrRPCTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	// Anything else came back from the node without a recognisable shape;
	// treat it as a node-side fault rather than a verdict about the order.
	return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
}
