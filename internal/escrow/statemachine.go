package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/milestonepay/internal/chain"
)

var (
	// ErrInvalidTransition is returned for a regression or a jump the
	// transition table cannot reach.
	ErrInvalidTransition = errors.New("escrow: invalid milestone transition")
	// ErrTransitionNotObserved is returned when a milestone would skip a
	// state and no chain event proves the intermediate step.
	ErrTransitionNotObserved = errors.New("escrow: intermediate transition not observed on chain")
)

// transitions lists the legal one-step moves of a milestone.
var transitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:   {MilestoneSubmitted},
	MilestoneSubmitted: {MilestoneApproved, MilestoneDisputed},
	MilestoneApproved:  {MilestonePaid, MilestoneDisputed},
	MilestoneDisputed:  {MilestonePaid},
	MilestonePaid:      nil,
}

// CanTransition reports whether to is one legal step from from.
func CanTransition(from, to MilestoneStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PathTo returns the shortest chain of states leading from from to to,
// excluding from and including to. Equal states give an empty path.
func PathTo(from, to MilestoneStatus) ([]MilestoneStatus, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil, nil
	}

	prev := map[MilestoneStatus]MilestoneStatus{}
	queue := []MilestoneStatus{from}
	seen := map[MilestoneStatus]bool{from: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			prev[next] = cur
			if next == to {
				var path []MilestoneStatus
				for s := to; s != from; s = prev[s] {
					path = append([]MilestoneStatus{s}, path...)
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Observed is the set of milestone states proven by chain events.
type Observed map[MilestoneStatus]bool

// ObservedFromEvents collects, for one milestone, the states its events
// prove it passed through.
func ObservedFromEvents(events []chain.Event, index int) Observed {
	seen := Observed{}
	for _, ev := range events {
		if ev.MilestoneIndex == nil || *ev.MilestoneIndex != index {
			continue
		}
		switch ev.Name {
		case chain.EventMilestoneSubmitted:
			seen[MilestoneSubmitted] = true
		case chain.EventMilestoneApproved:
			seen[MilestoneApproved] = true
		case chain.EventPaymentReleased:
			seen[MilestonePaid] = true
		case chain.EventDisputeRaised:
			seen[MilestoneDisputed] = true
		}
	}
	return seen
}

// Advance validates a move from from to to. A single legal step is always
// accepted; a multi-step move needs every intermediate state in observed.
// It returns the path taken.
func Advance(from, to MilestoneStatus, observed Observed) ([]MilestoneStatus, error) {
	path, err := PathTo(from, to)
	if err != nil {
		return nil, err
	}
	if len(path) <= 1 {
		return path, nil
	}
	for _, step := range path[:len(path)-1] {
		if !observed[step] {
			return nil, fmt.Errorf("%w: %s -> %s needs %s", ErrTransitionNotObserved, from, to, step)
		}
	}
	return path, nil
}

// DisputeState is the aggregate dispute view for one order.
type DisputeState struct {
	InDispute bool
	Status    OrderStatus
}

// DisputeFacts is what Aggregate needs beyond the snapshot to tell a new
// chain-side dispute from one a local resolution already settled.
type DisputeFacts struct {
	// PayoutConfirmed reports whether a resolution's payout replay has
	// confirmed on chain.
	PayoutConfirmed func(*Dispute) bool
	// Raised holds the block times of DisputeRaised events seen in this sync.
	Raised []time.Time
	// Flagged is the order's stored InDispute flag.
	Flagged bool
}

// Aggregate derives the order's status and dispute flag from the chain
// order, the merged milestones, and the local disputes.
//
// An open local dispute always holds the order in dispute. Otherwise a
// terminal chain order wins over milestone dispute codes. Dispute codes the
// latest local resolution accounts for are ignored until the chain shows a
// dispute raised after it: while the payout is unconfirmed that is every
// code, once it confirmed only the codes on milestones it covered.
func Aggregate(chainStatus OrderStatus, milestones []*Milestone, disputes []*Dispute, facts DisputeFacts) DisputeState {
	var (
		open   bool
		latest *Dispute
	)
	for _, d := range disputes {
		if d.Status == DisputeOpen {
			open = true
		}
		if d.Status == DisputeResolved && (latest == nil || d.ResolvedAt != nil && latest.ResolvedAt != nil && d.ResolvedAt.After(*latest.ResolvedAt)) {
			latest = d
		}
	}

	accounted := latest != nil && !open && !facts.Flagged && !raisedAfter(facts.Raised, latest.ResolvedAt)
	settled := accounted && facts.PayoutConfirmed != nil && facts.PayoutConfirmed(latest)

	chainDisputed := chainStatus == OrderDisputed && (!accounted || settled)
	allPaid := len(milestones) > 0
	for _, ms := range milestones {
		if ms.EscrowStatus == MilestoneDisputed && (!accounted || settled && !latest.Covers(ms.MilestoneIndex)) {
			chainDisputed = true
		}
		if ms.EscrowStatus != MilestonePaid {
			allPaid = false
		}
	}

	switch {
	case open:
		return DisputeState{InDispute: true, Status: OrderDisputed}
	case chainStatus == OrderCancelled:
		return DisputeState{Status: OrderCancelled}
	case chainStatus == OrderCompleted:
		return DisputeState{Status: OrderCompleted}
	case chainDisputed:
		return DisputeState{InDispute: true, Status: OrderDisputed}
	case allPaid:
		return DisputeState{Status: OrderCompleted}
	}
	return DisputeState{Status: OrderActive}
}

func raisedAfter(raised []time.Time, resolvedAt *time.Time) bool {
	if resolvedAt == nil {
		return false
	}
	for _, t := range raised {
		if t.After(*resolvedAt) {
			return true
		}
	}
	return false
}
