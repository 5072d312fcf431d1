package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/testutil"
)

var (
	testRedis *redis.Client
	testPG    *storage.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	client, stopRedis, err := testutil.StartRedis(ctx)
	if err != nil {
		fmt.Printf("redis unavailable, redis bus tests will be skipped: %v\n", err)
	} else {
		testRedis = client
	}

	var pgc *testutil.TestContainer
	pgc, err = testutil.StartPostgres(ctx)
	if err != nil {
		fmt.Printf("postgres unavailable, pg bus tests will be skipped: %v\n", err)
	} else {
		testPG, err = pgc.NewTestDB(ctx, testutil.TestLogger())
		if err != nil {
			fmt.Printf("postgres setup failed, pg bus tests will be skipped: %v\n", err)
		}
	}

	code := m.Run()

	if testPG != nil {
		testPG.Close(ctx)
	}
	if pgc != nil {
		pgc.Terminate()
	}
	if stopRedis != nil {
		stopRedis()
	}
	os.Exit(code)
}

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertSilent(t *testing.T, sub *Subscription, d time.Duration) {
	t.Helper()
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(d):
	}
}

// busContract exercises behaviour every implementation shares.
func busContract(t *testing.T, b Bus) {
	ctx := context.Background()

	t.Run("DeliversToSubscriber", func(t *testing.T) {
		ch := Channel("deliver-" + t.Name())
		sub, err := b.Subscribe(ctx, ch)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, b.Publish(ctx, ch, []byte(`{"ok":true}`)))
		assert.Equal(t, `{"ok":true}`, string(receive(t, sub)))
	})

	t.Run("ChannelsAreIsolated", func(t *testing.T) {
		a, err := b.Subscribe(ctx, Channel("iso-a"))
		require.NoError(t, err)
		defer a.Close()
		other, err := b.Subscribe(ctx, Channel("iso-b"))
		require.NoError(t, err)
		defer other.Close()

		require.NoError(t, b.Publish(ctx, Channel("iso-a"), []byte("x")))
		assert.Equal(t, "x", string(receive(t, a)))
		assertSilent(t, other, 100*time.Millisecond)
	})

	t.Run("FanOut", func(t *testing.T) {
		ch := Channel("fanout")
		var subs []*Subscription
		for range 3 {
			s, err := b.Subscribe(ctx, ch)
			require.NoError(t, err)
			subs = append(subs, s)
		}
		require.NoError(t, b.Publish(ctx, ch, []byte("all")))
		for _, s := range subs {
			assert.Equal(t, "all", string(receive(t, s)))
			s.Close()
		}
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, Channel("close"))
		require.NoError(t, err)
		sub.Close()
		sub.Close()
		require.NoError(t, b.Publish(ctx, Channel("close"), []byte("late")))
	})
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "machi:call:abc", Channel("abc"))
	assert.NotEqual(t, Channel("abc"), ToolsChannel)
}

func TestMemoryBus(t *testing.T) {
	busContract(t, NewMemoryBus())
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), Channel("nobody"), []byte("x")))
}

func TestMemoryBusUnsubscribeRemoves(t *testing.T) {
	b := NewMemoryBus()
	ch := Channel("count")
	sub, err := b.Subscribe(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(ch))
	sub.Close()
	assert.Equal(t, 0, b.Subscribers(ch))

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed after Close")
}

func TestMemoryBusSlowSubscriberDrops(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, Channel("slow"))
	require.NoError(t, err)
	defer sub.Close()

	for i := range subscriberBuffer + 10 {
		require.NoError(t, b.Publish(ctx, Channel("slow"), []byte{byte(i)}))
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestMemoryBusConcurrentPublishClose(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	ch := Channel("race")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		sub, err := b.Subscribe(ctx, ch)
		require.NoError(t, err)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = b.Publish(ctx, ch, []byte("p"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers(ch))
}

func TestHubNudgeAll(t *testing.T) {
	h := newHub()
	a := h.add("a", nil)
	c := h.add("c", nil)
	defer a.Close()
	defer c.Close()

	h.nudgeAll()
	assert.Empty(t, receive(t, a))
	assert.Empty(t, receive(t, c))
}

func TestRedisBus(t *testing.T) {
	if testRedis == nil {
		t.Skip("docker not available")
	}
	require.NoError(t, testRedis.FlushDB(context.Background()).Err())
	busContract(t, NewRedisBus(testRedis))
}

func TestRedisBusSubscribeFailsWhenClosed(t *testing.T) {
	if testRedis == nil {
		t.Skip("docker not available")
	}
	client := redis.NewClient(&redis.Options{Addr: testRedis.Options().Addr})
	require.NoError(t, client.Close())

	_, err := NewRedisBus(client).Subscribe(context.Background(), Channel("closed"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transport))
}

func startPGBus(t *testing.T) *PGBus {
	t.Helper()
	if testPG == nil {
		t.Skip("docker not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := NewPGBus(testPG, testutil.TestLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, b.Ready, 5*time.Second, 10*time.Millisecond)
	return b
}

func TestPGBus(t *testing.T) {
	busContract(t, startPGBus(t))
}

func TestPGBusOversizedPayloadArrivesEmpty(t *testing.T) {
	b := startPGBus(t)
	ctx := context.Background()
	ch := Channel("big")
	sub, err := b.Subscribe(ctx, ch)
	require.NoError(t, err)
	defer sub.Close()

	big := make([]byte, storage.MaxNotifyPayload)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, b.Publish(ctx, ch, big))
	assert.Empty(t, receive(t, sub))
}

func TestPGBusSubscribeBeforeStart(t *testing.T) {
	if testPG == nil {
		t.Skip("docker not available")
	}
	b := NewPGBus(testPG, testutil.TestLogger())
	_, err := b.Subscribe(context.Background(), Channel("early"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transport))
}
