package gateway

import (
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/datafund/swarm-connect-sub000/types"
)

const (
	// PaymentHeader carries the client's base64-encoded payment payload.
	PaymentHeader = "X-PAYMENT"
	// SettlementHeader carries the base64-encoded settlement result back to
	// the client on success.
	SettlementHeader = "X-PAYMENT-RESPONSE"
	// ModeHeader marks responses served without payment.
	ModeHeader = "X-Payment-Mode"
)

// decodePaymentHeader decodes the X-PAYMENT value: base64, then JSON. A
// payload without scheme or network is rejected as structurally invalid.
func decodePaymentHeader(value string) (*types.PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	var payload types.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payment payload: %w", err)
	}
	if payload.Scheme == "" || payload.Network == "" {
		return nil, fmt.Errorf("payment payload missing scheme or network")
	}
	return &payload, nil
}

// encodeSettlementHeader renders a settlement result as the
// X-PAYMENT-RESPONSE value.
func encodeSettlementHeader(resp *types.SettleResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("encode settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
