package messages

import (
	"encoding/json"
	"fmt"
)

// Transaction is the payload a signed message carries: one call into a
// service instance. Encoded as JSON; the body stays opaque until the
// addressed service decodes it.
type Transaction struct {
	InstanceID uint32 `json:"instance_id"`
	MethodID   uint16 `json:"method_id"`
	Body       []byte `json:"body"`
}

// EncodeTransaction serializes a transaction for signing.
func EncodeTransaction(tx Transaction) ([]byte, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return raw, nil
}

// DecodeTransaction parses a verified message payload.
func DecodeTransaction(payload []byte) (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}
