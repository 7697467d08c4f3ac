package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// WebhookHandler delivers notifications by POSTing JSON to the rule's
// endpoint. Any 2xx response is success; everything else is a failure.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates the webhook channel handler.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}
	return &WebhookHandler{client: client}
}

// webhookTransaction is the transaction block of the outbound payload.
type webhookTransaction struct {
	TxID        string `json:"tx_id"`
	Sender      string `json:"sender"`
	Success     bool   `json:"success"`
	BlockHeight int64  `json:"block_height"`
}

// webhookEvent is the optional event block of the outbound payload.
type webhookEvent struct {
	Variant            string `json:"variant"`
	EventIndex         int    `json:"event_index"`
	ContractIdentifier string `json:"contract_identifier,omitempty"`
	Description        string `json:"description,omitempty"`
}

// webhookBody is the outbound notification payload.
type webhookBody struct {
	NotificationID int64              `json:"notification_id"`
	TriggeredAt    time.Time          `json:"triggered_at"`
	AlertRuleID    int64              `json:"alert_rule_id"`
	AlertRuleName  string             `json:"alert_rule_name"`
	Severity       types.Severity     `json:"severity"`
	Transaction    webhookTransaction `json:"transaction"`
	Event          *webhookEvent      `json:"event,omitempty"`
	Message        string             `json:"message"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Send POSTs the notification payload to the rule's webhook URL.
func (h *WebhookHandler) Send(ctx context.Context, d *Delivery) error {
	if !d.Rule.WebhookURL.Valid || d.Rule.WebhookURL.String == "" {
		return fmt.Errorf("%w: rule has no webhook url", ErrInvalidRecipient)
	}

	body := webhookBody{
		NotificationID: d.Notification.ID,
		TriggeredAt:    d.Notification.TriggeredAt,
		AlertRuleID:    d.Rule.ID,
		AlertRuleName:  d.Rule.Name,
		Severity:       d.Rule.Severity,
		Transaction: webhookTransaction{
			TxID:        d.Transaction.TxID,
			Sender:      d.Transaction.Sender,
			Success:     d.Transaction.Success,
			BlockHeight: d.Block.Height,
		},
		Message:   d.Notification.Message,
		Timestamp: time.Now().UTC(),
	}
	if ev := d.Event; ev != nil {
		body.Event = &webhookEvent{
			Variant:            string(ev.Type),
			EventIndex:         ev.EventIndex,
			ContractIdentifier: ev.ContractIdentifier.String,
			Description:        describeEvent(ev),
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Rule.WebhookURL.String, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stackwatch-notifier/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func describeEvent(ev *types.Event) string {
	switch {
	case ev.Type.IsTokenTransfer() && ev.AssetID.Valid:
		return fmt.Sprintf("%s of %s %s", ev.Type, ev.Amount.String, ev.AssetID.String)
	case ev.Type == types.EventSmartContractLog:
		return fmt.Sprintf("print event from %s", ev.ContractIdentifier.String)
	default:
		return string(ev.Type)
	}
}
