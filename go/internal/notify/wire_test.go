package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChange(t *testing.T) {
	roundID := uuid.New()
	orderID := uuid.New()

	tests := []struct {
		name    string
		payload string
		want    Change
		wantErr bool
	}{
		{
			name:    "round row uses its own id",
			payload: `{"table":"rounds","op":"UPDATE","id":"` + roundID.String() + `"}`,
			want:    Change{Table: "rounds", Op: "UPDATE", RowID: roundID, RoundID: roundID, ReceivedAt: epoch},
		},
		{
			name:    "order row",
			payload: `{"table":"production_orders","op":"INSERT","id":"` + orderID.String() + `","round_id":"` + roundID.String() + `"}`,
			want:    Change{Table: "production_orders", Op: "INSERT", RowID: orderID, RoundID: roundID, ReceivedAt: epoch},
		},
		{name: "not json", payload: orderID.String(), wantErr: true},
		{name: "missing table", payload: `{"op":"DELETE"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChange(tt.payload, epoch)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	roundID := uuid.New()
	n := events.MustNew(events.KindStarted, roundID, epoch, events.RoundTransitionPayload{Transition: "start"})
	sentAt := epoch.Add(250 * time.Millisecond)

	msg, err := EncodeMessage("roundsync.nudges."+roundID.String(), "client-a", n, sentAt)
	require.NoError(t, err)
	assert.Equal(t, "client-a", msg.Header.Get(HeaderOrigin))
	assert.Equal(t, "started", msg.Header.Get(HeaderKind))

	got, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, events.KindStarted, got.Kind)
	assert.Equal(t, "client-a", got.Origin)
	assert.True(t, sentAt.Equal(got.Timestamp))
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	msg := nats.NewMsg("roundsync.nudges.all")
	msg.Data = []byte("{")
	_, err := DecodeMessage(msg)
	assert.Error(t, err)

	msg.Data = []byte(`{"kind":"paused"}`)
	msg.Header.Set(HeaderSentAt, "yesterday")
	_, err = DecodeMessage(msg)
	assert.Error(t, err)
}

func TestSubjectFor(t *testing.T) {
	b := NewNATSBroadcasterFromConn(nil, "roundsync.nudges", "me", clockwork.NewFakeClockAt(epoch), nil)
	id := uuid.New()
	assert.Equal(t, "roundsync.nudges.all", b.subjectFor(uuid.Nil))
	assert.Equal(t, "roundsync.nudges."+id.String(), b.subjectFor(id))
	assert.False(t, b.IsConnected())
}

func TestBroadcastStampsCorrectedTime(t *testing.T) {
	tests := []struct {
		name   string
		offset OffsetFunc
		want   time.Time
	}{
		{name: "no offset", want: epoch},
		{name: "local clock behind", offset: func() time.Duration { return 4 * time.Second }, want: epoch.Add(4 * time.Second)},
		{name: "local clock ahead", offset: func() time.Duration { return -90 * time.Second }, want: epoch.Add(-90 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewNATSBroadcasterFromConn(nil, "roundsync.nudges", "me", clockwork.NewFakeClockAt(epoch), tt.offset)
			n := events.MustNew(events.KindPaused, uuid.New(), epoch, nil)

			msg, err := b.message(n)
			require.NoError(t, err)
			got, err := DecodeMessage(msg)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got.Timestamp), "sent at %s, want %s", got.Timestamp, tt.want)
		})
	}
}
