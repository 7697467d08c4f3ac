package types

import "encoding/json"

// WebhookPayload is the parsed body of an indexer callback. Rollback blocks
// are processed before apply blocks, each sequence in received order.
type WebhookPayload struct {
	Apply    []BlockPayload `json:"apply"`
	Rollback []BlockPayload `json:"rollback"`
}

// BlockPayload carries one block and its transactions.
type BlockPayload struct {
	BlockHash    string               `json:"block_hash"`
	Height       int64                `json:"height"`
	ParentHash   string               `json:"parent_hash"`
	Timestamp    int64                `json:"timestamp"`
	Transactions []TransactionPayload `json:"transactions"`
}

// TransactionPayload carries one transaction and its events in
// event_index order.
type TransactionPayload struct {
	TxID          string          `json:"tx_id"`
	Sender        string          `json:"sender"`
	Success       bool            `json:"success"`
	Position      int             `json:"position"`
	Nonce         int64           `json:"nonce"`
	Fee           string          `json:"fee"`
	CostReadCount int64           `json:"cost_read_count"`
	CostReadLen   int64           `json:"cost_read_length"`
	CostRuntime   int64           `json:"cost_runtime"`
	ContractCall  *ContractCall   `json:"contract_call,omitempty"`
	Events        []EventPayload  `json:"events"`
}

// EventPayload carries one chain event.
type EventPayload struct {
	EventIndex         int             `json:"event_index"`
	Type               EventType       `json:"type"`
	AssetID            string          `json:"asset_id,omitempty"`
	Amount             string          `json:"amount,omitempty"`
	Sender             string          `json:"sender,omitempty"`
	Recipient          string          `json:"recipient,omitempty"`
	ContractIdentifier string          `json:"contract_identifier,omitempty"`
	Topic              string          `json:"topic,omitempty"`
	Value              json.RawMessage `json:"value,omitempty"`
}

// ParsePayload decodes a webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
