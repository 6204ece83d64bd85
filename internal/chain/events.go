package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/milestonepay/internal/traces"
)

// Event is one decoded escrow log.
type Event struct {
	Name           string         `json:"name"`
	EscrowOrderID  uint64         `json:"escrowOrderId"`
	MilestoneIndex *int           `json:"milestoneIndex,omitempty"`
	BlockNumber    uint64         `json:"blockNumber"`
	BlockTime      time.Time      `json:"blockTime"`
	TxHash         string         `json:"txHash"`
	LogIndex       uint           `json:"logIndex"`
	Args           map[string]any `json:"args,omitempty"`
}

// EventPage is the result of one bounded event scan. The caller persists
// NextFromBlock and passes it back to continue where this page ended.
type EventPage struct {
	Events        []Event `json:"events"`
	FromBlock     uint64  `json:"fromBlock"`
	ToBlock       uint64  `json:"toBlock"`
	NextFromBlock uint64  `json:"nextFromBlock"`
	// Complete is true when ToBlock reached the chain head.
	Complete bool `json:"complete"`
}

// QueryEvents scans escrow logs for one order from fromBlock, up to the head
// or MaxBlockSpan blocks, whichever is lower. An empty names slice means all
// events. fromBlock is always supplied by the caller; there is no implicit
// scan from genesis.
func (r *Reader) QueryEvents(ctx context.Context, escrowOrderID uint64, names []string, fromBlock uint64) (*EventPage, error) {
	ctx, span := traces.StartSpan(ctx, "chain.QueryEvents", traces.Network(r.cfg.Network),
		traces.EscrowOrderID(escrowOrderID), traces.Block(fromBlock))
	var err error
	defer func() { traces.End(span, err) }()

	var topics []common.Hash
	if topics, err = r.eventTopics(names); err != nil {
		return nil, err
	}
	if err = r.ensureDeployed(ctx); err != nil {
		return nil, err
	}

	var head uint64
	if head, err = r.HeadBlock(ctx); err != nil {
		return nil, err
	}
	page := &EventPage{FromBlock: fromBlock, Events: []Event{}}
	if fromBlock > head {
		page.ToBlock = head
		page.NextFromBlock = fromBlock
		page.Complete = true
		return page, nil
	}

	to := fromBlock + r.cfg.MaxBlockSpan - 1
	if to >= head {
		to = head
		page.Complete = true
	}
	page.ToBlock = to
	page.NextFromBlock = to + 1

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.contract},
		Topics: [][]common.Hash{
			topics,
			{common.BigToHash(new(big.Int).SetUint64(escrowOrderID))},
		},
	}

	var logs []types.Log
	err = r.call(ctx, "filterLogs", func(ctx context.Context) error {
		var err error
		logs, err = r.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		var ev Event
		if ev, err = r.decodeLog(lg); err != nil {
			return nil, r.wrap("decodeLog", err)
		}
		bt, ok := blockTimes[lg.BlockNumber]
		if !ok {
			var h *types.Header
			if h, err = r.header(ctx, new(big.Int).SetUint64(lg.BlockNumber)); err != nil {
				return nil, err
			}
			bt = time.Unix(int64(h.Time), 0).UTC() //nolint:gosec // block timestamps fit in int64
			blockTimes[lg.BlockNumber] = bt
		}
		ev.BlockTime = bt
		page.Events = append(page.Events, ev)
	}

	sort.SliceStable(page.Events, func(i, j int) bool {
		a, b := page.Events[i], page.Events[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	return page, nil
}

func (r *Reader) eventTopics(names []string) ([]common.Hash, error) {
	if len(names) == 0 {
		names = EventNames
	}
	topics := make([]common.Hash, 0, len(names))
	for _, n := range names {
		ev, ok := r.escrow.Events[n]
		if !ok {
			return nil, fmt.Errorf("chain: unknown event %q", n)
		}
		topics = append(topics, ev.ID)
	}
	return topics, nil
}

func (r *Reader) decodeLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return Event{}, fmt.Errorf("%w: log without topics", ErrDecode)
	}
	abiEvent, err := r.escrow.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var indexed abi.Arguments
	for _, in := range abiEvent.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}

	values := make(map[string]any)
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("%w: topics of %s: %v", ErrDecode, abiEvent.Name, err)
	}
	if err := abiEvent.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return Event{}, fmt.Errorf("%w: data of %s: %v", ErrDecode, abiEvent.Name, err)
	}

	ev := Event{
		Name:        abiEvent.Name,
		BlockNumber: lg.BlockNumber,
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		Args:        make(map[string]any, len(values)),
	}
	if id, ok := values["orderId"].(*big.Int); ok {
		ev.EscrowOrderID = id.Uint64()
	}
	if idx, ok := values["milestoneIndex"].(*big.Int); ok && idx.IsInt64() {
		i := int(idx.Int64())
		ev.MilestoneIndex = &i
	}
	for k, v := range values {
		if k == "orderId" || k == "milestoneIndex" {
			continue
		}
		switch t := v.(type) {
		case *big.Int:
			ev.Args[k] = t.String()
		case common.Address:
			ev.Args[k] = strings.ToLower(t.Hex())
		default:
			ev.Args[k] = t
		}
	}
	return ev, nil
}

// AutoApproved reports the autoApproved flag of a MilestoneApproved event.
func (e Event) AutoApproved() bool {
	b, _ := e.Args["autoApproved"].(bool)
	return b
}
