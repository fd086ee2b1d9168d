package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertAttachesIdentifierToPlaceholder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	placeholderID, err := s.InsertMessage(ctx, MessageParams{
		Direction: DirectionOutbound,
		Sender:    "+48100000000",
		Recipient: "+48123456789",
		Body:      "hello",
		Status:    MessageStatusQueued,
	})
	require.NoError(t, err)

	id, err := s.UpsertMessage(ctx, MessageParams{
		ProviderID: "prov-1",
		Direction:  DirectionOutbound,
		Sender:     "+48100000000",
		Recipient:  "+48123456789",
		Body:       "hello",
		Status:     MessageStatusSent,
	})
	require.NoError(t, err)
	require.Equal(t, placeholderID, id)
	require.Equal(t, 1, s.countRows(t, "messages"))

	msgs, err := s.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "prov-1", msgs[0].ProviderID)
	require.Equal(t, MessageStatusSent, msgs[0].Status)
}

func TestUpsertIgnoresPlaceholderOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, MessageParams{
		Direction: DirectionOutbound,
		Sender:    "+48100000000",
		Recipient: "+48123456789",
		Body:      "old",
		Status:    MessageStatusQueued,
		CreatedAt: time.Now().Add(-reconcileWindow - time.Minute),
	})
	require.NoError(t, err)

	_, err = s.UpsertMessage(ctx, MessageParams{
		ProviderID: "prov-1",
		Direction:  DirectionOutbound,
		Sender:     "+48100000000",
		Recipient:  "+48123456789",
		Body:       "new",
		Status:     MessageStatusSent,
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.countRows(t, "messages"))
}

func TestUpsertSameIdentifierNeverDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertMessage(ctx, MessageParams{
		ProviderID: "prov-7",
		Direction:  DirectionInbound,
		Sender:     "+48123456789",
		Recipient:  "+48100000000",
		Body:       "hi",
		Status:     MessageStatusReceived,
	})
	require.NoError(t, err)

	second, err := s.UpsertMessage(ctx, MessageParams{
		ProviderID: "prov-7",
		Direction:  DirectionInbound,
		Sender:     "+48123456789",
		Recipient:  "+48100000000",
		Body:       "hi again",
		Status:     MessageStatusReceived,
	})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, s.countRows(t, "messages"))

	msgs, err := s.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, "hi again", msgs[0].Body)
}

func TestUpdateMessageStatusByProviderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMessage(ctx, MessageParams{
		ProviderID: "prov-9",
		Direction:  DirectionOutbound,
		Sender:     "svc",
		Recipient:  "+48123456789",
		Body:       "x",
		Status:     MessageStatusSent,
	})
	require.NoError(t, err)

	ok, err := s.UpdateMessageStatusByProviderID(ctx, "prov-9", MessageStatusFailed, "undeliverable")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpdateMessageStatusByProviderID(ctx, "missing", MessageStatusFailed, "")
	require.NoError(t, err)
	require.False(t, ok)

	msgs, err := s.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, MessageStatusFailed, msgs[0].Status)
	require.Equal(t, "undeliverable", msgs[0].Error)
}

func TestMessagesByContactMatchesAnyFormatting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, sender := range []string{"+48123456789", "whatsapp:+48 123-456-789", "0048123456789"} {
		_, err := s.InsertMessage(ctx, MessageParams{
			Direction: DirectionInbound,
			Sender:    sender,
			Recipient: "svc",
			Body:      "b",
			Status:    MessageStatusReceived,
		})
		require.NoError(t, err)
	}
	_, err := s.InsertMessage(ctx, MessageParams{
		Direction: DirectionInbound,
		Sender:    "+48999999999",
		Recipient: "svc",
		Body:      "other",
		Status:    MessageStatusReceived,
	})
	require.NoError(t, err)

	msgs, err := s.MessagesByContact(ctx, "tel:+48 123 456 789", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestListConversationsGroupsByNormalizedCounterpart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, MessageParams{
		Direction: DirectionInbound, Sender: "+48123456789", Recipient: "svc",
		Body: "in", Status: MessageStatusReceived,
	})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, MessageParams{
		Direction: DirectionOutbound, Sender: "svc", Recipient: "whatsapp:+48123456789",
		Body: "out", Status: MessageStatusSent,
	})
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "+48123456789", convs[0].Contact)
	require.EqualValues(t, 2, convs[0].MessageCount)
}

func TestPruneMessagesBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, MessageParams{
		Direction: DirectionInbound, Sender: "a", Recipient: "b",
		Body: "old", Status: MessageStatusReceived,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, MessageParams{
		Direction: DirectionInbound, Sender: "a", Recipient: "b",
		Body: "fresh", Status: MessageStatusReceived,
	})
	require.NoError(t, err)

	n, err := s.PruneMessagesBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, 1, s.countRows(t, "messages"))
}
