package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapvault/snapvault/internal/capture"
)

func TestPublishAndDrain(t *testing.T) {
	t.Parallel()

	pub := New()
	msg := capture.DeadLetterMessage{
		CaptureID: "cap-1",
		OwnerID:   "owner-1",
		URL:       "https://example.com",
		Reason:    "Timeout: render deadline exceeded",
		Attempts:  3,
		FailedAt:  time.Now().UTC(),
	}
	require.NoError(t, pub.Publish(context.Background(), msg))

	got := pub.Messages()
	require.Len(t, got, 1)
	require.Equal(t, msg, got[0])

	// Messages returns a copy; mutating it does not affect the publisher.
	got[0].CaptureID = "mutated"
	require.Equal(t, "cap-1", pub.Messages()[0].CaptureID)
}

func TestPublishConcurrent(t *testing.T) {
	t.Parallel()

	pub := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Publish(context.Background(), capture.DeadLetterMessage{CaptureID: "cap"})
		}()
	}
	wg.Wait()
	require.Len(t, pub.Messages(), 20)
}
