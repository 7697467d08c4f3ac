package types

import (
	"database/sql"
	"math/big"
	"time"
)

// Block represents a block on the canonical chain as reported by the
// upstream indexer. Rolled-back blocks are tombstoned, never deleted.
type Block struct {
	ID         int64        `db:"id"`
	BlockHash  string       `db:"block_hash"`
	Height     int64        `db:"height"`
	ParentHash string       `db:"parent_hash"`
	Timestamp  time.Time    `db:"timestamp"`
	Deleted    bool         `db:"deleted"`
	DeletedAt  sql.NullTime `db:"deleted_at"`
	Version    int64        `db:"version"`
}

// Transaction represents a transaction within a block. Fee is kept as the
// decimal string of an arbitrary-precision integer (NUMERIC column).
type Transaction struct {
	ID            int64          `db:"id"`
	TxID          string         `db:"tx_id"`
	BlockID       int64          `db:"block_id"`
	Sender        string         `db:"sender"`
	Success       bool           `db:"success"`
	Position      int            `db:"position"`
	Nonce         int64          `db:"nonce"`
	Fee           string         `db:"fee"`
	CostReadCount int64          `db:"cost_read_count"`
	CostReadLen   int64          `db:"cost_read_length"`
	CostRuntime   int64          `db:"cost_runtime"`
	ContractID    sql.NullString `db:"contract_id"`
	FunctionName  sql.NullString `db:"function_name"`
	Deleted       bool           `db:"deleted"`
	DeletedAt     sql.NullTime   `db:"deleted_at"`
}

// Call returns the contract invocation carried by the transaction, or nil
// when it is not a contract call.
func (t *Transaction) Call() *ContractCall {
	if !t.ContractID.Valid || t.ContractID.String == "" {
		return nil
	}
	return &ContractCall{
		ContractID:   t.ContractID.String,
		FunctionName: t.FunctionName.String,
	}
}

// FeeBig parses the fee into a big integer. Returns zero on an empty or
// malformed value.
func (t *Transaction) FeeBig() *big.Int {
	v, ok := new(big.Int).SetString(t.Fee, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// ContractCall describes the contract invocation carried by a transaction.
// It doubles as the wire shape inside TransactionPayload, so it carries
// both tag sets.
type ContractCall struct {
	ContractID   string `db:"contract_id" json:"contract_id"`
	FunctionName string `db:"function_name" json:"function_name"`
}

// EventType tags the polymorphic event variants.
type EventType string

const (
	EventFTTransfer       EventType = "ft_transfer"
	EventFTMint           EventType = "ft_mint"
	EventFTBurn           EventType = "ft_burn"
	EventNFTTransfer      EventType = "nft_transfer"
	EventNFTMint          EventType = "nft_mint"
	EventNFTBurn          EventType = "nft_burn"
	EventSTXTransfer      EventType = "stx_transfer"
	EventSTXMint          EventType = "stx_mint"
	EventSTXBurn          EventType = "stx_burn"
	EventSTXLock          EventType = "stx_lock"
	EventSmartContractLog EventType = "smart_contract_log"
)

// IsTokenTransfer reports whether the variant moves an asset between
// principals and therefore participates in asset-indexed matching.
func (e EventType) IsTokenTransfer() bool {
	switch e {
	case EventFTTransfer, EventNFTTransfer, EventSTXTransfer:
		return true
	}
	return false
}

// Event represents a single chain event emitted by a transaction. Amount is
// the decimal string of an arbitrary-precision integer. Variant-specific
// fields are nullable columns on the shared row.
type Event struct {
	ID                 int64          `db:"id"`
	TransactionID      int64          `db:"transaction_id"`
	EventIndex         int            `db:"event_index"`
	Type               EventType      `db:"event_type"`
	AssetID            sql.NullString `db:"asset_id"`
	Amount             sql.NullString `db:"amount"`
	Sender             sql.NullString `db:"sender"`
	Recipient          sql.NullString `db:"recipient"`
	ContractIdentifier sql.NullString `db:"contract_identifier"`
	Topic              sql.NullString `db:"topic"`
	Value              []byte         `db:"value"`
	Deleted            bool           `db:"deleted"`
}

// AmountBig parses the amount into a big integer. Returns zero when the
// event carries no amount.
func (e *Event) AmountBig() *big.Int {
	if !e.Amount.Valid {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(e.Amount.String, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// RuleType tags the alert rule variants.
type RuleType string

const (
	RuleContractCall      RuleType = "contract_call"
	RuleTokenTransfer     RuleType = "token_transfer"
	RuleFailedTransaction RuleType = "failed_transaction"
	RulePrintEvent        RuleType = "print_event"
	RuleAddressActivity   RuleType = "address_activity"
)

// Severity of an alert rule, carried into notification subjects.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// AlertRule is a user-defined matching rule. Only active rules participate
// in matching. Version guards rule mutations with optimistic locking.
type AlertRule struct {
	ID              int64          `db:"id"`
	UserID          int64          `db:"user_id"`
	Name            string         `db:"name"`
	Type            RuleType       `db:"rule_type"`
	ContractID      sql.NullString `db:"contract_id"`
	FunctionName    sql.NullString `db:"function_name"`
	AssetID         sql.NullString `db:"asset_id"`
	WatchedAddress  sql.NullString `db:"watched_address"`
	AmountThreshold sql.NullString `db:"amount_threshold"`
	Severity        Severity       `db:"severity"`
	CooldownSeconds int64          `db:"cooldown_s"`
	Channels        ChannelSet     `db:"channels"`
	Emails          StringList     `db:"emails"`
	WebhookURL      sql.NullString `db:"webhook_url"`
	Active          bool           `db:"active"`
	LastTriggeredAt sql.NullTime   `db:"last_triggered_at"`
	Version         int64          `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// Cooldown returns the rule cooldown as a duration.
func (r *AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// NotificationStatus is the dispatch state machine state.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationDelivering NotificationStatus = "delivering"
	NotificationDelivered  NotificationStatus = "delivered"
	NotificationRetrying   NotificationStatus = "retrying"
	NotificationDeadLetter NotificationStatus = "dead_letter"
	NotificationFailed     NotificationStatus = "failed"
)

// Notification is a pending or delivered user notification. The tuple
// (rule_id, transaction_id, event_id, channel) is the idempotency key.
type Notification struct {
	ID                 int64              `db:"id"`
	RuleID             int64              `db:"rule_id"`
	TransactionID      int64              `db:"transaction_id"`
	EventID            sql.NullInt64      `db:"event_id"`
	Channel            Channel            `db:"channel"`
	Status             NotificationStatus `db:"status"`
	AttemptCount       int                `db:"attempt_count"`
	FirstAttemptAt     sql.NullTime       `db:"first_attempt_at"`
	LastAttemptAt      sql.NullTime       `db:"last_attempt_at"`
	LastError          sql.NullString     `db:"last_error"`
	Message            string             `db:"message"`
	Invalidated        bool               `db:"invalidated"`
	InvalidatedAt      sql.NullTime       `db:"invalidated_at"`
	InvalidationReason sql.NullString     `db:"invalidation_reason"`
	TriggeredAt        time.Time          `db:"triggered_at"`
	CreatedAt          time.Time          `db:"created_at"`
}

// ProcessingStatus tracks a raw webhook event through the pipeline.
// Rejected is terminal; failed and pending rows may be re-processed.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingFailed    ProcessingStatus = "failed"
	ProcessingRejected  ProcessingStatus = "rejected"
)

// RawWebhookEvent is the archived inbound request. Rows are written before
// any authenticity decision and survive downstream failures.
type RawWebhookEvent struct {
	ID           int64            `db:"id"`
	RequestID    string           `db:"request_id"`
	ReceivedAt   time.Time        `db:"received_at"`
	ProcessedAt  sql.NullTime     `db:"processed_at"`
	Headers      []byte           `db:"headers"`
	Payload      []byte           `db:"payload"`
	Status       ProcessingStatus `db:"processing_status"`
	ErrorMessage sql.NullString   `db:"error_message"`
	ErrorTrace   sql.NullString   `db:"error_trace"`
	SourceAddr   string           `db:"source_addr"`
	UserAgent    string           `db:"user_agent"`
}

// Replayable reports whether the row may be re-processed.
func (r *RawWebhookEvent) Replayable() bool {
	return r.Status == ProcessingFailed || r.Status == ProcessingPending
}

// FailureReason tags why a notification was dead-lettered.
type FailureReason string

const (
	FailureCircuitOpen      FailureReason = "circuit_open"
	FailureMaxRetries       FailureReason = "max_retries_exceeded"
	FailureTimeout          FailureReason = "timeout"
	FailureInvalidRecipient FailureReason = "invalid_recipient"
	FailureNoHandler        FailureReason = "no_handler"
)

// DeadLetterEntry is the denormalized audit record of a permanently failed
// notification.
type DeadLetterEntry struct {
	ID              int64          `db:"id"`
	NotificationID  int64          `db:"notification_id"`
	AlertRuleID     int64          `db:"alert_rule_id"`
	AlertRuleName   string         `db:"alert_rule_name"`
	Channel         Channel        `db:"channel"`
	Recipient       string         `db:"recipient"`
	FailureReason   FailureReason  `db:"failure_reason"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorTrace      sql.NullString `db:"error_trace"`
	AttemptCount    int            `db:"attempt_count"`
	FirstAttemptAt  sql.NullTime   `db:"first_attempt_at"`
	LastAttemptAt   sql.NullTime   `db:"last_attempt_at"`
	QueuedAt        time.Time      `db:"queued_at"`
	Processed       bool           `db:"processed"`
	ProcessedAt     sql.NullTime   `db:"processed_at"`
	ProcessedBy     sql.NullString `db:"processed_by"`
	ResolutionNotes sql.NullString `db:"resolution_notes"`
}

// RevokedToken is a denylist entry keyed by the SHA-256 digest of the token.
type RevokedToken struct {
	ID        int64     `db:"id"`
	Digest    string    `db:"digest"`
	UserEmail string    `db:"user_email"`
	Reason    string    `db:"revocation_reason"`
	RevokedAt time.Time `db:"revoked_at"`
	ExpiresAt time.Time `db:"expires_at"`
}
