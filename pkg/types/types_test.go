package types

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTransactionCall tests contract-call extraction.
func TestTransactionCall(t *testing.T) {
	tx := &Transaction{}
	require.Nil(t, tx.Call())

	tx.ContractID = sql.NullString{String: "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-dao", Valid: true}
	tx.FunctionName = sql.NullString{String: "stake", Valid: true}

	call := tx.Call()
	require.NotNil(t, call)
	require.Equal(t, "SP2C2YFP12AJZB4MABJBAJ55XECVS7E4PMMZ89YZR.arkadiko-dao", call.ContractID)
	require.Equal(t, "stake", call.FunctionName)
}

// TestFeeBig tests arbitrary-precision fee parsing.
func TestFeeBig(t *testing.T) {
	tx := &Transaction{Fee: "123456789012345678901234567890"}
	require.Equal(t, "123456789012345678901234567890", tx.FeeBig().String())

	tx.Fee = "not-a-number"
	require.Equal(t, "0", tx.FeeBig().String())

	tx.Fee = ""
	require.Equal(t, "0", tx.FeeBig().String())
}

// TestAmountBig tests event amount parsing including the null case.
func TestAmountBig(t *testing.T) {
	ev := &Event{}
	require.Equal(t, "0", ev.AmountBig().String())

	ev.Amount = sql.NullString{String: "5000000", Valid: true}
	require.Equal(t, "5000000", ev.AmountBig().String())
}

// TestIsTokenTransfer tests the transfer-variant classification.
func TestIsTokenTransfer(t *testing.T) {
	transfers := []EventType{EventFTTransfer, EventNFTTransfer, EventSTXTransfer}
	for _, et := range transfers {
		require.True(t, et.IsTokenTransfer(), "%s should be a transfer", et)
	}
	others := []EventType{EventFTMint, EventFTBurn, EventNFTMint, EventNFTBurn,
		EventSTXMint, EventSTXBurn, EventSTXLock, EventSmartContractLog}
	for _, et := range others {
		require.False(t, et.IsTokenTransfer(), "%s should not be a transfer", et)
	}
}

// TestReplayable tests the raw-event replay predicate.
func TestReplayable(t *testing.T) {
	raw := &RawWebhookEvent{Status: ProcessingPending}
	require.True(t, raw.Replayable())

	raw.Status = ProcessingFailed
	require.True(t, raw.Replayable())

	raw.Status = ProcessingProcessed
	require.False(t, raw.Replayable())

	raw.Status = ProcessingRejected
	require.False(t, raw.Replayable())
}

// TestChannelSetRoundTrip tests the comma-separated column codec.
func TestChannelSetRoundTrip(t *testing.T) {
	set := ChannelSet{ChannelEmail, ChannelWebhook}

	v, err := set.Value()
	require.NoError(t, err)
	require.Equal(t, "email,webhook", v)

	var scanned ChannelSet
	require.NoError(t, scanned.Scan("email,webhook"))
	require.Equal(t, set, scanned)
	require.True(t, scanned.Contains(ChannelEmail))
	require.False(t, ChannelSet{ChannelEmail}.Contains(ChannelWebhook))

	require.NoError(t, scanned.Scan(""))
	require.Empty(t, scanned)

	require.NoError(t, scanned.Scan(nil))
	require.Empty(t, scanned)
}

// TestStringListScanBytes tests that a []byte source scans like a string.
func TestStringListScanBytes(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan([]byte("ops@example.com, dev@example.com")))
	require.Equal(t, StringList{"ops@example.com", "dev@example.com"}, l)
}

// TestParsePayload tests decoding an indexer callback body.
func TestParsePayload(t *testing.T) {
	body := []byte(`{
		"apply": [{
			"block_hash": "0xabc",
			"height": 1200,
			"parent_hash": "0xparent",
			"timestamp": 1724500000,
			"transactions": [{
				"tx_id": "0xtx1",
				"sender": "SP000000000000000000002Q6VF78",
				"success": true,
				"fee": "180",
				"contract_call": {"contract_id": "SP1.pool", "function_name": "deposit"},
				"events": [{
					"event_index": 0,
					"type": "ft_transfer",
					"asset_id": "SP1.token::usda",
					"amount": "1000000",
					"sender": "SPA",
					"recipient": "SPB"
				}]
			}]
		}],
		"rollback": [{"block_hash": "0xgone", "height": 1199}]
	}`)

	p, err := ParsePayload(body)
	require.NoError(t, err)
	require.Len(t, p.Apply, 1)
	require.Len(t, p.Rollback, 1)

	b := p.Apply[0]
	require.Equal(t, "0xabc", b.BlockHash)
	require.Equal(t, int64(1200), b.Height)
	require.Len(t, b.Transactions, 1)

	tx := b.Transactions[0]
	require.NotNil(t, tx.ContractCall)
	require.Equal(t, "SP1.pool", tx.ContractCall.ContractID)
	require.Equal(t, "deposit", tx.ContractCall.FunctionName)
	require.Len(t, tx.Events, 1)
	require.Equal(t, EventFTTransfer, tx.Events[0].Type)
	require.Equal(t, "1000000", tx.Events[0].Amount)

	_, err = ParsePayload([]byte(`{not json`))
	require.Error(t, err)
}
