package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a notification signals.
type Kind string

const (
	KindCreated          Kind = "created"
	KindStarted          Kind = "started"
	KindPaused           Kind = "paused"
	KindFinished         Kind = "finished"
	KindDurationChanged  Kind = "duration-changed"
	KindSequenceDefined  Kind = "sequence-defined"
	KindRotationChanged  Kind = "rotation-changed"
	KindOrdersGenerated  Kind = "orders-generated"
	KindOrderActivated   Kind = "order-activated"
	KindDeliveryRecorded Kind = "delivery-recorded"
	KindReset            Kind = "reset"
	// KindRefetch is produced by the bus itself from change-data-capture rows
	// and peer nudges after debouncing.
	KindRefetch Kind = "refetch"
)

// RoundChanging reports whether k changes the authoritative round record, so
// clocks and schedulers must recompute immediately instead of on next tick.
func (k Kind) RoundChanging() bool {
	switch k {
	case KindCreated, KindStarted, KindPaused, KindFinished, KindDurationChanged,
		KindSequenceDefined, KindReset, KindRefetch:
		return true
	default:
		return false
	}
}

// Broadcastable reports whether peers should be nudged about k. Rotation
// changes are derived locally on every client and are never shared.
func (k Kind) Broadcastable() bool {
	return k != KindRotationChanged && k != KindRefetch
}

// Notification is the envelope for everything on the local notification
// stream.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	RoundID   uuid.UUID       `json:"round_id"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds a notification with a JSON encoded payload.
func New(kind Kind, roundID uuid.UUID, at time.Time, payload any) (Notification, error) {
	n := Notification{
		ID:        uuid.New(),
		Kind:      kind,
		RoundID:   roundID,
		Timestamp: at,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Notification{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		n.Payload = data
	}
	return n, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(kind Kind, roundID uuid.UUID, at time.Time, payload any) Notification {
	n, err := New(kind, roundID, at, payload)
	if err != nil {
		panic(err)
	}
	return n
}

// Decode unmarshals the payload of n into T.
func Decode[T any](n Notification) (T, error) {
	var out T
	if len(n.Payload) == 0 {
		return out, fmt.Errorf("notification %s has no payload", n.Kind)
	}
	if err := json.Unmarshal(n.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s payload: %w", n.Kind, err)
	}
	return out, nil
}
