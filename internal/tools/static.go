package tools

import (
	"context"
	"hash/fnv"
	"time"
)

var (
	staticStatuses  = []string{"label_created", "in_transit", "in_transit", "out_for_delivery", "delivered"}
	staticLocations = []string{"Origin facility", "Regional sort center", "Linehaul hub", "Local depot", "Recipient address"}
)

// StaticBackend derives a stable status from the delivery number alone. It
// serves development setups and tests where no tracking service exists.
type StaticBackend struct {
	now func() time.Time
}

// NewStaticBackend creates a StaticBackend on the wall clock.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{now: time.Now}
}

// Lookup implements TrackingBackend.
func (b *StaticBackend) Lookup(ctx context.Context, deliveryNumber string) (*TrackingStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(deliveryNumber))
	idx := int(h.Sum32() % uint32(len(staticStatuses)))

	now := b.now().UTC()
	status := &TrackingStatus{
		DeliveryNumber: deliveryNumber,
		Status:         staticStatuses[idx],
		Location:       staticLocations[idx],
		UpdatedAt:      now,
	}
	if status.Status != "delivered" {
		days := len(staticStatuses) - 1 - idx
		status.EstimatedDelivery = now.Truncate(24*time.Hour).AddDate(0, 0, days)
	}
	return status, nil
}
