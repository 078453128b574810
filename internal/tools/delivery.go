package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/detect"
	"github.com/ashureev/toolchat/internal/pattern"
	"github.com/ashureev/toolchat/internal/shared"
)

// Delivery tracker errors.
var (
	ErrMissingParameter = errors.New("missing required parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrShipmentNotFound = errors.New("shipment not found")
	errBackendPermanent = errors.New("tracking backend rejected the request")
)

const retryBaseDelay = 200 * time.Millisecond

// TrackingStatus is the delivery tracker result.
type TrackingStatus struct {
	DeliveryNumber    string    `json:"delivery_number"`
	Status            string    `json:"status"`
	Location          string    `json:"location,omitempty"`
	EstimatedDelivery time.Time `json:"estimated_delivery,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// String renders the status as a sentence for the model context.
func (s *TrackingStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivery %s is %s", s.DeliveryNumber, strings.ReplaceAll(s.Status, "_", " "))
	if s.Location != "" {
		fmt.Fprintf(&b, ", last seen at %s", s.Location)
	}
	if !s.EstimatedDelivery.IsZero() {
		fmt.Fprintf(&b, ", estimated delivery %s", s.EstimatedDelivery.Format("2006-01-02"))
	}
	b.WriteString(".")
	return b.String()
}

// TrackingBackend looks up shipments.
type TrackingBackend interface {
	Lookup(ctx context.Context, deliveryNumber string) (*TrackingStatus, error)
}

// DeliveryTracker is the delivery_tracker tool.
type DeliveryTracker struct {
	backend TrackingBackend
	timeout time.Duration
	backoff shared.Backoff
}

// NewDeliveryTracker creates the tool over backend. Each lookup attempt is
// bounded by cfg.Timeout(); failed attempts are retried up to cfg.MaxRetries
// times.
func NewDeliveryTracker(backend TrackingBackend, cfg config.ToolsConfig) *DeliveryTracker {
	return &DeliveryTracker{
		backend: backend,
		timeout: cfg.Timeout(),
		backoff: shared.Backoff{Attempts: 1 + max(cfg.MaxRetries, 0), BaseDelay: retryBaseDelay},
	}
}

// Descriptor implements Tool.
func (t *DeliveryTracker) Descriptor() Descriptor {
	return Descriptor{
		Name:        detect.DeliveryTracker,
		Description: "Track the delivery status of a package using its delivery or tracking number",
		Required:    []string{detect.ParamDeliveryNumber},
	}
}

// Execute implements Tool.
func (t *DeliveryTracker) Execute(ctx context.Context, params map[string]string, cc CallContext) (any, error) {
	number := strings.ToUpper(strings.TrimSpace(params[detect.ParamDeliveryNumber]))
	if number == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, detect.ParamDeliveryNumber)
	}
	if !pattern.ValidIdentifier(number) {
		return nil, fmt.Errorf("%w: %s %q is not a valid tracking number", ErrInvalidParameter, detect.ParamDeliveryNumber, number)
	}

	var status *TrackingStatus
	err := shared.Retry(ctx, t.backoff, "tracking lookup", retryableLookup, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		s, err := t.backend.Lookup(attemptCtx, number)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		slog.Warn("Delivery lookup failed",
			"session_id", cc.SessionID,
			"delivery_number", number,
			"error", err)
		return nil, fmt.Errorf("track %s: %w", number, err)
	}
	return status, nil
}

func retryableLookup(err error) bool {
	return !errors.Is(err, ErrShipmentNotFound) &&
		!errors.Is(err, ErrInvalidParameter) &&
		!errors.Is(err, errBackendPermanent) &&
		!errors.Is(err, context.Canceled)
}
