package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/bausoptical/lenses/internal/automation"
	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/pkg/observability"
)

func TestInProcessQueue(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	mem.SaveBranchConfig(ctx, &store.BranchConfig{
		BranchID:          "b1",
		BranchName:        "Westlands",
		WebhookEnabled:    true,
		AutomationEnabled: true,
		CountryCode:       "254",
	})

	engine := automation.NewEngine(mem, sms.NewClient(), observability.NewLogger("test"))
	q := NewInProcessQueue(engine, 2, 8)
	defer q.Close()

	ev := &pos.NormalizedEvent{
		EventType:     store.AfterPurchase,
		PosEventID:    "evt_q1",
		BranchID:      "b1",
		CustomerPhone: "0712345678",
		CustomerName:  "Grace",
		RawPayload:    map[string]any{"id": "evt_q1"},
	}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// No template is configured, so the pipeline closes the event out as a
	// skip. Wait for the worker to get there.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := mem.GetPosEvent(ctx, "b1", "evt_q1")
		if stored != nil && stored.Processed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("event was not processed by the worker pool")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
