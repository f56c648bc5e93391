// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	b := New(8, Drop)
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(context.Background(), Event{Kind: KindSensor, Sensor: "TEMP", Value: "23.5"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.C():
			assert.Equal(t, KindSensor, ev.Kind)
			assert.Equal(t, "TEMP", ev.Sensor)
			assert.Equal(t, "23.5", ev.Value)
			assert.False(t, ev.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestDropPolicyNeverBlocks(t *testing.T) {
	b := New(1, Drop)
	defer b.Close()

	s := b.Subscribe()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(ctx, Event{Kind: KindLog, Text: "kept"})
		b.Publish(ctx, Event{Kind: KindLog, Text: "dropped"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked under the drop policy")
	}

	ev := <-s.C()
	assert.Equal(t, "kept", ev.Text)
	select {
	case ev := <-s.C():
		t.Fatalf("unexpected second event %q", ev.Text)
	default:
	}
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	b := New(1, Block)
	defer b.Close()

	s := b.Subscribe()
	b.Publish(context.Background(), Event{Kind: KindLog, Text: "fills the buffer"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	b.Publish(ctx, Event{Kind: KindLog, Text: "waits then drops"})
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ev := <-s.C()
	assert.Equal(t, "fills the buffer", ev.Text)
}

func TestSubscriberCloseUnblocksPublish(t *testing.T) {
	b := New(1, Block)
	defer b.Close()

	s := b.Subscribe()
	b.Publish(context.Background(), Event{Kind: KindLog, Text: "fills the buffer"})

	// A publish with no deadline is stuck on the full subscriber; closing
	// the subscription must let it return rather than wedging the publisher.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(context.Background(), Event{Kind: KindLog, Text: "stuck"})
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("publish completed against a full subscriber")
	default:
	}

	s.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber close did not unblock the publish")
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	b := New(8, Drop)
	s := b.Subscribe()

	b.Close()
	_, ok := <-s.C()
	assert.False(t, ok)

	// Publishing and re-closing after Close are no-ops.
	b.Publish(context.Background(), Event{Kind: KindLog})
	b.Close()

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	b := New(8, Drop)
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	s1.Close()

	b.Publish(context.Background(), Event{Kind: KindButton, Sensor: "BUTTON", Value: "R"})

	select {
	case ev, ok := <-s2.C():
		require.True(t, ok)
		assert.Equal(t, KindButton, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive the event")
	}

	_, ok := <-s1.C()
	assert.False(t, ok)
	s1.Close() // idempotent
}
