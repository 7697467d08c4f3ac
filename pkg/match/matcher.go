package match

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/notify"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// Matcher evaluates ingested transactions against the rule index and runs
// the cooldown gate for matches. It runs inside the ingestion transaction:
// notifications it creates commit or roll back with the payload.
type Matcher struct {
	index *rules.Index
}

// NewMatcher creates a matcher over the rule index.
func NewMatcher(index *rules.Index) *Matcher {
	return &Matcher{index: index}
}

// candidate pairs a rule with the event (if any) that selected it.
type candidate struct {
	rule  *rules.RuleSnapshot
	event *types.Event
}

// MatchTransaction evaluates one transaction and its events. Created
// notification ids are appended to buf for commit-bound publication.
func (m *Matcher) MatchTransaction(ctx context.Context, q storage.Querier, tx *types.Transaction, txEvents []types.Event, buf *notify.Buffer, now time.Time) error {
	txKind := "standard"
	if tx.Call() != nil {
		txKind = "contract_call"
	}
	start := time.Now()
	defer func() {
		metrics.AlertMatchingDuration.
			WithLabelValues(txKind, eventCountBucket(len(txEvents))).
			Observe(time.Since(start).Seconds())
	}()

	snap, err := m.index.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rule index: %w", err)
	}

	var cands []candidate

	// Contract-call rules: exact function plus the contract's wildcard
	// bucket.
	if call := tx.Call(); call != nil {
		for _, r := range snap.CandidatesForCall(call.ContractID, call.FunctionName) {
			cands = append(cands, candidate{rule: r})
		}
	}

	// Address-activity rules watching the sender.
	for _, r := range snap.CandidatesForAddress(tx.Sender) {
		cands = append(cands, candidate{rule: r})
	}

	// Event-scoped rules.
	for i := range txEvents {
		ev := &txEvents[i]
		if ev.Type.IsTokenTransfer() && ev.AssetID.Valid {
			for _, r := range snap.CandidatesForAsset(ev.AssetID.String) {
				cands = append(cands, candidate{rule: r, event: ev})
			}
		}
		if ev.Type == types.EventSmartContractLog {
			for _, r := range snap.CandidatesForType(types.RulePrintEvent) {
				cands = append(cands, candidate{rule: r, event: ev})
			}
		}
		if ev.Sender.Valid {
			for _, r := range snap.CandidatesForAddress(ev.Sender.String) {
				cands = append(cands, candidate{rule: r, event: ev})
			}
		}
		if ev.Recipient.Valid {
			for _, r := range snap.CandidatesForAddress(ev.Recipient.String) {
				cands = append(cands, candidate{rule: r, event: ev})
			}
		}
	}

	// Failed transactions fire independently of any contract-call rule on
	// the same transaction; each is gated by its own cooldown.
	if !tx.Success {
		for _, r := range snap.CandidatesForType(types.RuleFailedTransaction) {
			cands = append(cands, candidate{rule: r})
		}
	}

	for _, c := range cands {
		mc := rules.MatchContext{Tx: tx, Event: c.event}
		if !c.rule.Matches(mc) {
			continue
		}
		if err := m.fire(ctx, q, c, tx, buf, now); err != nil {
			return err
		}
	}
	return nil
}

// fire runs the cooldown gate and, on a win, creates one pending
// notification per channel of the rule.
func (m *Matcher) fire(ctx context.Context, q storage.Querier, c candidate, tx *types.Transaction, buf *notify.Buffer, now time.Time) error {
	won, err := storage.TryCooldownGate(ctx, q, c.rule.ID, now)
	if err != nil {
		return fmt.Errorf("cooldown gate failed for rule %d: %w", c.rule.ID, err)
	}
	if !won {
		rLog := log.WithRuleID(c.rule.ID)
		rLog.Debug().
			Str("tx_id", tx.TxID).
			Msg("cooldown gate lost, skipping")
		return nil
	}
	metrics.CooldownGateWon.Inc()

	var eventID sql.NullInt64
	if c.event != nil {
		eventID = sql.NullInt64{Int64: c.event.ID, Valid: true}
	}

	for _, ch := range c.rule.Channels {
		n := &types.Notification{
			RuleID:        c.rule.ID,
			TransactionID: tx.ID,
			EventID:       eventID,
			Channel:       ch,
			Message:       composeMessage(c.rule, tx, c.event),
			TriggeredAt:   now,
		}
		created, err := storage.InsertNotification(ctx, q, n)
		if err != nil {
			return fmt.Errorf("failed to create notification for rule %d: %w", c.rule.ID, err)
		}
		if created {
			buf.Add(n.ID)
		}
	}
	return nil
}

// eventCountBucket coarsens the event count into a handful of label
// values to keep metric cardinality bounded.
func eventCountBucket(n int) string {
	switch {
	case n == 0:
		return "0"
	case n <= 5:
		return "1-5"
	case n <= 20:
		return "6-20"
	default:
		return "21+"
	}
}

func composeMessage(r *rules.RuleSnapshot, tx *types.Transaction, ev *types.Event) string {
	switch r.Type {
	case types.RuleContractCall:
		call := tx.Call()
		return fmt.Sprintf("Contract call %s::%s by %s (tx %s)",
			call.ContractID, call.FunctionName, tx.Sender, tx.TxID)
	case types.RuleTokenTransfer:
		return fmt.Sprintf("Token transfer of %s %s (tx %s)",
			ev.Amount.String, r.AssetID, tx.TxID)
	case types.RuleFailedTransaction:
		return fmt.Sprintf("Transaction %s by %s failed", tx.TxID, tx.Sender)
	case types.RulePrintEvent:
		return fmt.Sprintf("Print event from %s (tx %s)",
			ev.ContractIdentifier.String, tx.TxID)
	case types.RuleAddressActivity:
		return fmt.Sprintf("Activity involving %s (tx %s)", r.WatchedAddress, tx.TxID)
	default:
		return fmt.Sprintf("Rule %q matched transaction %s", r.Name, tx.TxID)
	}
}
