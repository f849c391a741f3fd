package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{
		client:  &http.Client{},
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher kept running after context cancel")
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("STATUS_CHANGE") {
		t.Fatalf("empty filter should match everything")
	}
	f := newEventFilter([]string{"STATUS_CHANGE", " AGENT_ERROR "})
	if !f.match("STATUS_CHANGE") || !f.match("AGENT_ERROR") {
		t.Fatalf("configured events should match")
	}
	if f.match("CONTENT_EDIT") {
		t.Fatalf("unlisted event should not match")
	}
}
