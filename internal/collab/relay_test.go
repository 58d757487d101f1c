package collab

import (
	"context"
	"testing"
	"time"
)

func TestSubscriptionCloseUnblocksFullBuffer(t *testing.T) {
	relay := setupRelay(t)
	ctx := context.Background()

	sub, err := relay.Subscribe(ctx, "room-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Nobody drains: overfill the buffer so the pump parks on the send.
	for i := 0; i < 80; i++ {
		if err := relay.Publish(ctx, "room-1", []byte("m")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("messages channel never closed after Close")
		}
	}
}
