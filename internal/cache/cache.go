package cache

import (
	"context"
	"errors"
	"time"
)

var ErrReceiptNotFound = errors.New("cache: receipt not found")

// Receipt records the provider's acknowledgement of a delivered message.
type Receipt struct {
	ProviderMessageID string    `json:"providerMessageId"`
	DeliveredAt       time.Time `json:"deliveredAt"`
}

type ReceiptStore interface {
	StoreDelivered(ctx context.Context, id, providerMessageID string, deliveredAt time.Time) error
	Receipt(ctx context.Context, id string) (Receipt, error)
}
