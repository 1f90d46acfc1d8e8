package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"redaction-pipeline/internal/models"
)

func newTestBus(t *testing.T) (*redis.Client, *RedisBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, NewRedisBus(client, 1000)
}

func testConsumer(client *redis.Client) *Consumer {
	return NewConsumer(client, ConsumerOptions{
		Group:          "test-group",
		Name:           "c-1",
		PoolSize:       2,
		Block:          20 * time.Millisecond,
		MinIdle:        time.Hour, // keep reclaim out of these tests
		HandlerTimeout: time.Second,
	}, zap.NewNop())
}

func runConsumer(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	})
	return cancel
}

func pendingCount(t *testing.T, client *redis.Client, subject string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), subject, "test-group").Result()
	if err != nil {
		return 0
	}
	return p.Count
}

func TestPublishAndConsume(t *testing.T) {
	client, b := newTestBus(t)
	c := testConsumer(client)

	var mu sync.Mutex
	var got []models.LifecycleEvent
	c.Handle(models.SubjectJobSubmitted, func(_ context.Context, evt models.LifecycleEvent) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})
	runConsumer(t, c)

	evt := models.NewLifecycleEvent(models.EventJobSubmitted, "j-1", "org-1", models.KindDocument)
	require.NoError(t, b.Publish(context.Background(), models.SubjectJobSubmitted, evt))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, evt.MessageID, got[0].MessageID)
	require.Equal(t, "j-1", got[0].JobID)
	mu.Unlock()

	// Successful handling acks: nothing stays pending.
	require.Eventually(t, func() bool {
		return pendingCount(t, client, models.SubjectJobSubmitted) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPermanentRejectionAcks(t *testing.T) {
	client, b := newTestBus(t)
	c := testConsumer(client)

	var handled sync.WaitGroup
	handled.Add(1)
	var once sync.Once
	c.Handle(models.SubjectJobSubmitted, func(_ context.Context, evt models.LifecycleEvent) error {
		once.Do(handled.Done)
		return Permanent(errors.New("invalid transition"))
	})
	runConsumer(t, c)

	evt := models.NewLifecycleEvent(models.EventJobSubmitted, "j-1", "org-1", models.KindDocument)
	require.NoError(t, b.Publish(context.Background(), models.SubjectJobSubmitted, evt))

	handled.Wait()
	require.Eventually(t, func() bool {
		return pendingCount(t, client, models.SubjectJobSubmitted) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransientFailureStaysPending(t *testing.T) {
	client, b := newTestBus(t)
	c := testConsumer(client)

	var handled sync.WaitGroup
	handled.Add(1)
	var once sync.Once
	c.Handle(models.SubjectJobSubmitted, func(_ context.Context, evt models.LifecycleEvent) error {
		once.Do(handled.Done)
		return errors.New("store unavailable")
	})
	runConsumer(t, c)

	evt := models.NewLifecycleEvent(models.EventJobSubmitted, "j-1", "org-1", models.KindDocument)
	require.NoError(t, b.Publish(context.Background(), models.SubjectJobSubmitted, evt))

	handled.Wait()
	require.Eventually(t, func() bool {
		return pendingCount(t, client, models.SubjectJobSubmitted) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUndecodableEntryAcked(t *testing.T) {
	client, _ := newTestBus(t)
	c := testConsumer(client)
	c.Handle(models.SubjectJobSubmitted, func(_ context.Context, evt models.LifecycleEvent) error {
		t.Error("handler must not run for junk entries")
		return nil
	})
	runConsumer(t, c)

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: models.SubjectJobSubmitted,
		Values: map[string]any{"event": "not-json"},
	}).Err())

	// Give the consumer time to pick the entry up, then confirm it was
	// acked rather than left pending for endless redelivery.
	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 0, pendingCount(t, client, models.SubjectJobSubmitted))
}

func TestRunRequiresHandlers(t *testing.T) {
	client, _ := newTestBus(t)
	c := testConsumer(client)
	require.Error(t, c.Run(context.Background()))
}

func TestPermanentMarkerWraps(t *testing.T) {
	base := errors.New("boom")
	require.True(t, IsPermanent(Permanent(base)))
	require.ErrorIs(t, Permanent(base), base)
	require.False(t, IsPermanent(base))
	require.NoError(t, Permanent(nil))
}
