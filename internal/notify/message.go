package notify

import (
	"encoding/json"
	"time"

	domain "github.com/stockroom/api/internal/domain"
)

// statusMessage is the wire form shared by every transport.
type statusMessage struct {
	Type           string `json:"type"`
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	OccurredAt     string `json:"occurredAt"`
}

// EncodeEvent renders an event as JSON.
func EncodeEvent(event domain.OrderStatusEvent) ([]byte, error) {
	return json.Marshal(statusMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		Status:         string(event.Status),
		PreviousStatus: string(event.PreviousStatus),
		OccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}
