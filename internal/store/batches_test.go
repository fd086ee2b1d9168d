package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateBatchDedupAndInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "hello",
		[]string{"+48111111111", "+48 111 111 111", "+48222222222"}, "svc", nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.Total)
	require.Equal(t, 0, b.Invalid)
	require.Equal(t, BatchStatusPending, b.Status)

	recs, err := s.BatchRecipients(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Malformed addresses become terminal invalid rows at creation.
	b2, err := s.CreateBatch(ctx, "hello", []string{"not-a-number", "+48333333333"}, "svc", nil)
	require.NoError(t, err)
	require.Equal(t, 2, b2.Total)
	require.Equal(t, 1, b2.Invalid)

	recs, err = s.BatchRecipients(ctx, b2.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, RecipientStatusInvalid, recs[0].Status)
	require.Equal(t, ErrInvalidRecipient, recs[0].Error)
	require.Equal(t, RecipientStatusPending, recs[1].Status)
}

func TestCreateBatchValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, "  ", []string{"+48111111111"}, "svc", nil)
	require.ErrorIs(t, err, ErrEmptyBody)

	_, err = s.CreateBatch(ctx, "body", []string{"", "   "}, "svc", nil)
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestReserveNextBatchExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "body", []string{"+48111111111"}, "svc", nil)
	require.NoError(t, err)

	const attempts = 8
	results := make([]*Batch, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ReserveNextBatch(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
			require.Equal(t, b.ID, r.ID)
			require.Equal(t, BatchStatusProcessing, r.Status)
			require.NotNil(t, r.StartedAt)
		}
	}
	require.Equal(t, 1, winners)
}

func TestReserveNextBatchHonorsSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, err := s.CreateBatch(ctx, "body", []string{"+48111111111"}, "svc", &future)
	require.NoError(t, err)

	got, err := s.ReserveNextBatch(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReserveNextBatchPicksAllInvalidBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "body", []string{"garbage", "also garbage"}, "svc", nil)
	require.NoError(t, err)
	require.Equal(t, b.Invalid, b.Total)

	got, err := s.ReserveNextBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, b.ID, got.ID)

	pending, err := s.PendingRecipients(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRecalcBatchCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "body",
		[]string{"+48111111111", "+48222222222", "+48333333333"}, "svc", nil)
	require.NoError(t, err)

	recs, err := s.PendingRecipients(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	now := time.Now()
	require.NoError(t, s.UpdateRecipient(ctx, recs[0].ID, RecipientStatusSent, "p-1", "", &now))
	require.NoError(t, s.UpdateRecipient(ctx, recs[1].ID, RecipientStatusFailed, "", "boom", &now))

	got, err := s.RecalcBatchCounters(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Total)
	require.Equal(t, 1, got.Sent)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, 0, got.Invalid)
	require.Equal(t, 1, got.Pending())
}

func TestUpdateBatchStatusFinalizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "body", []string{"+48111111111"}, "svc", nil)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.UpdateBatchStatus(ctx, b.ID, BatchStatusCompletedWithErrors, "1 of 1 recipients failed", &now))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, BatchStatusCompletedWithErrors, got.Status)
	require.Equal(t, "1 of 1 recipients failed", got.Error)
	require.NotNil(t, got.CompletedAt)

	err = s.UpdateBatchStatus(ctx, "no-such-batch", BatchStatusFailed, "", &now)
	require.ErrorIs(t, err, ErrNotFound)
}
