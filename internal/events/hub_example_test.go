package events_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/events"
)

type printSink struct{}

func (printSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fmt.Println(evt.Kind, evt.TaskID)
	}
	return nil
}

func (printSink) Close(context.Context) error { return nil }

func ExampleHub() {
	hub := events.NewHub(events.Config{MaxBatchWait: time.Hour}, printSink{})
	hub.Emit(events.Event{Kind: events.TaskAssigned, TS: time.Now(), TaskID: "task-1", WorkerID: "w1"})
	hub.Emit(events.Event{Kind: events.TaskCompleted, TS: time.Now(), TaskID: "task-1", WorkerID: "w1"})
	_ = hub.Close(context.Background())
	// Output:
	// TASK_ASSIGNED task-1
	// TASK_COMPLETED task-1
}
