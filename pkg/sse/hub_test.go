package sse

import (
	"context"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := New(Config{URL: srv.URL, Retry: 10 * time.Millisecond})
	stream := client.Stream(ctx)

	// Give the subscriber time to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		n := len(hub.subs)
		hub.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(Event{Name: "done", Data: []string{`{"id":"ABC"}`}, ID: "ABC"})

	select {
	case msg := <-stream:
		if msg.Err != nil {
			t.Fatalf("stream error: %v", msg.Err)
		}
		ev := msg.Event
		if ev.Name != "done" || ev.ID != "ABC" {
			t.Fatalf("event = %#v", ev)
		}
		if !reflect.DeepEqual(ev.Data, []string{`{"id":"ABC"}`}) {
			t.Fatalf("data = %#v", ev.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event within deadline")
	}
}

func TestHubAssignsIDs(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	sub := hub.register()
	defer hub.unregister(sub)

	hub.Publish(Event{Name: "a", Data: []string{"1"}})
	hub.Publish(Event{Name: "b", Data: []string{"2"}})

	first := <-sub.send
	second := <-sub.send
	if first.ID == "" || second.ID == "" || first.ID == second.ID {
		t.Fatalf("ids = %q, %q", first.ID, second.ID)
	}
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	sub := hub.register()
	defer hub.unregister(sub)

	// Fill the buffer and then some; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Name: "spam", Data: []string{"x"}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestWriteEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	writeEvent(rec, Event{Name: "done", Data: []string{"line1\nline2"}, ID: "9"})
	want := "id: 9\nevent: done\ndata: line1\ndata: line2\n\n"
	if rec.Body.String() != want {
		t.Fatalf("framing = %q, want %q", rec.Body.String(), want)
	}
}
