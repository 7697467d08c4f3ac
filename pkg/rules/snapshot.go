package rules

import (
	"math/big"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// wildcard is the function bucket for contract rules that match any
// function on the contract.
const wildcard = "*"

// MatchContext is what a predicate sees: the persisted transaction and,
// for event-scoped rules, the event under evaluation.
type MatchContext struct {
	Tx    *types.Transaction
	Event *types.Event
}

// Predicate is a pure match function attached to a rule snapshot at build
// time.
type Predicate func(MatchContext) bool

// RuleSnapshot is an immutable value describing a rule for matching and
// cooldown. Snapshots are shared by many readers without locks.
type RuleSnapshot struct {
	ID              int64
	Type            types.RuleType
	Name            string
	Severity        types.Severity
	Cooldown        time.Duration
	Channels        types.ChannelSet
	Emails          types.StringList
	WebhookURL      string
	ContractID      string
	FunctionName    string
	AssetID         string
	WatchedAddress  string
	AmountThreshold *big.Int
	Matches         Predicate
}

// CooldownWindowStart returns the earliest last_triggered_at that still
// counts as "in cooldown" at the given instant.
func (r *RuleSnapshot) CooldownWindowStart(now time.Time) time.Time {
	return now.Add(-r.Cooldown)
}

// Snapshot is an immutable multi-level index over the active rules. It is
// a value: readers hold a reference and see a consistent view for the
// duration of their lookup.
type Snapshot struct {
	Version int64
	BuiltAt time.Time

	byContractFunction map[string]map[string][]*RuleSnapshot
	byAsset            map[string][]*RuleSnapshot
	byAddress          map[string][]*RuleSnapshot
	byType             map[types.RuleType][]*RuleSnapshot
}

// CandidatesForCall returns contract-call rules for the exact function
// plus the wildcard bucket of the contract.
func (s *Snapshot) CandidatesForCall(contractID, functionName string) []*RuleSnapshot {
	funcs, ok := s.byContractFunction[contractID]
	if !ok {
		return nil
	}
	exact := funcs[functionName]
	any := funcs[wildcard]
	if len(any) == 0 {
		return exact
	}
	out := make([]*RuleSnapshot, 0, len(exact)+len(any))
	out = append(out, exact...)
	out = append(out, any...)
	return out
}

// CandidatesForAsset returns token-transfer rules watching the asset.
func (s *Snapshot) CandidatesForAsset(assetID string) []*RuleSnapshot {
	return s.byAsset[assetID]
}

// CandidatesForAddress returns address-activity rules watching the address.
func (s *Snapshot) CandidatesForAddress(address string) []*RuleSnapshot {
	return s.byAddress[address]
}

// CandidatesForType returns the variant-only fallback bucket.
func (s *Snapshot) CandidatesForType(t types.RuleType) []*RuleSnapshot {
	return s.byType[t]
}

// RuleCount returns the number of rules in the snapshot.
func (s *Snapshot) RuleCount() int {
	n := 0
	for _, rs := range s.byType {
		n += len(rs)
	}
	return n
}

// BuildSnapshot builds the index from the current set of active rules.
func BuildSnapshot(active []types.AlertRule, version int64) *Snapshot {
	s := &Snapshot{
		Version:            version,
		BuiltAt:            time.Now().UTC(),
		byContractFunction: make(map[string]map[string][]*RuleSnapshot),
		byAsset:            make(map[string][]*RuleSnapshot),
		byAddress:          make(map[string][]*RuleSnapshot),
		byType:             make(map[types.RuleType][]*RuleSnapshot),
	}

	for i := range active {
		r := &active[i]
		if !r.Active {
			continue
		}
		snap := newRuleSnapshot(r)
		s.byType[snap.Type] = append(s.byType[snap.Type], snap)

		switch snap.Type {
		case types.RuleContractCall:
			if snap.ContractID == "" {
				continue
			}
			funcs, ok := s.byContractFunction[snap.ContractID]
			if !ok {
				funcs = make(map[string][]*RuleSnapshot)
				s.byContractFunction[snap.ContractID] = funcs
			}
			key := snap.FunctionName
			if key == "" {
				key = wildcard
			}
			funcs[key] = append(funcs[key], snap)
		case types.RuleTokenTransfer:
			if snap.AssetID != "" {
				s.byAsset[snap.AssetID] = append(s.byAsset[snap.AssetID], snap)
			}
		case types.RuleAddressActivity:
			if snap.WatchedAddress != "" {
				s.byAddress[snap.WatchedAddress] = append(s.byAddress[snap.WatchedAddress], snap)
			}
		}
	}
	return s
}

func newRuleSnapshot(r *types.AlertRule) *RuleSnapshot {
	snap := &RuleSnapshot{
		ID:             r.ID,
		Type:           r.Type,
		Name:           r.Name,
		Severity:       r.Severity,
		Cooldown:       r.Cooldown(),
		Channels:       append(types.ChannelSet(nil), r.Channels...),
		Emails:         append(types.StringList(nil), r.Emails...),
		WebhookURL:     r.WebhookURL.String,
		ContractID:     r.ContractID.String,
		FunctionName:   r.FunctionName.String,
		AssetID:        r.AssetID.String,
		WatchedAddress: r.WatchedAddress.String,
	}
	if r.AmountThreshold.Valid {
		if v, ok := new(big.Int).SetString(r.AmountThreshold.String, 10); ok {
			snap.AmountThreshold = v
		}
	}
	snap.Matches = predicateFor(snap)
	return snap
}

// predicateFor binds the variant's match logic to the snapshot as a plain
// value, so evaluation involves no dynamic dispatch.
func predicateFor(r *RuleSnapshot) Predicate {
	switch r.Type {
	case types.RuleContractCall:
		return func(mc MatchContext) bool {
			call := mc.Tx.Call()
			if call == nil || call.ContractID != r.ContractID {
				return false
			}
			return r.FunctionName == "" || r.FunctionName == call.FunctionName
		}
	case types.RuleTokenTransfer:
		return func(mc MatchContext) bool {
			ev := mc.Event
			if ev == nil || !ev.Type.IsTokenTransfer() {
				return false
			}
			if !ev.AssetID.Valid || ev.AssetID.String != r.AssetID {
				return false
			}
			if r.AmountThreshold != nil && ev.AmountBig().Cmp(r.AmountThreshold) < 0 {
				return false
			}
			return true
		}
	case types.RuleFailedTransaction:
		return func(mc MatchContext) bool {
			if mc.Tx.Success {
				return false
			}
			return r.WatchedAddress == "" || mc.Tx.Sender == r.WatchedAddress
		}
	case types.RulePrintEvent:
		return func(mc MatchContext) bool {
			ev := mc.Event
			if ev == nil || ev.Type != types.EventSmartContractLog {
				return false
			}
			if r.ContractID != "" {
				return ev.ContractIdentifier.Valid && ev.ContractIdentifier.String == r.ContractID
			}
			return true
		}
	case types.RuleAddressActivity:
		return func(mc MatchContext) bool {
			if r.WatchedAddress == "" {
				return false
			}
			if mc.Tx.Sender == r.WatchedAddress {
				return true
			}
			if ev := mc.Event; ev != nil {
				if ev.Sender.Valid && ev.Sender.String == r.WatchedAddress {
					return true
				}
				if ev.Recipient.Valid && ev.Recipient.String == r.WatchedAddress {
					return true
				}
			}
			return false
		}
	default:
		return func(MatchContext) bool { return false }
	}
}
