package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsd/internal/provider"
	"smsd/internal/store"
	"smsd/pkg/logx"
)

type fakeClient struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeClient) Send(_ context.Context, to, body, from string) (provider.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provider.Receipt{}, f.err
	}
	f.sends = append(f.sends, to)
	return provider.Receipt{ProviderID: "rem-" + to, Status: store.MessageStatusSent}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "smsd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createDue(t *testing.T, s *store.Store, recipient, body string) store.Reminder {
	t.Helper()
	r, err := s.CreateReminder(context.Background(), recipient, body, time.Hour, true)
	require.NoError(t, err)
	require.NoError(t, s.TriggerReminder(context.Background(), r.ID))
	return r
}

func TestTickSendsDueReminder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := createDue(t, s, "+48123456789", "take a break")

	client := &fakeClient{}
	w := New(s, client, Config{Sender: "+48100000000"}, logx.Nop())
	w.tick(ctx)

	require.Equal(t, []string{"+48123456789"}, client.sends)

	got, err := s.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSentAt)
	require.True(t, got.NextDueAt.After(time.Now()))

	msgs, err := s.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.MessageStatusSent, msgs[0].Status)
	require.Equal(t, "take a break", msgs[0].Body)
}

func TestTickAdvancesOnValidationFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDue(t, s, "not-a-number", "body")

	client := &fakeClient{}
	w := New(s, client, Config{Sender: "+48100000000"}, logx.Nop())
	w.tick(ctx)

	require.Empty(t, client.sends)

	// Schedule advanced anyway, so the broken definition is not re-fired on
	// the next tick.
	due, err := s.DueReminders(ctx, 50)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestTickAdvancesOnSendFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDue(t, s, "+48123456789", "body")

	client := &fakeClient{err: errors.New("gateway timeout")}
	w := New(s, client, Config{Sender: "+48100000000"}, logx.Nop())
	w.tick(ctx)

	msgs, err := s.ListMessages(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.MessageStatusFailed, msgs[0].Status)
	require.Equal(t, "gateway timeout", msgs[0].Error)

	due, err := s.DueReminders(ctx, 50)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestTickSkipsWithoutSenderIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createDue(t, s, "+48123456789", "body")

	client := &fakeClient{}
	w := New(s, client, Config{}, logx.Nop())
	w.tick(ctx)

	require.Empty(t, client.sends)
	require.Equal(t, 0, countMessages(t, s))
}

func countMessages(t *testing.T, s *store.Store) int {
	t.Helper()
	msgs, err := s.ListMessages(context.Background(), 100, 0)
	require.NoError(t, err)
	return len(msgs)
}
