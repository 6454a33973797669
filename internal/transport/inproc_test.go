// ABOUTME: Tests for the in-process transport
// ABOUTME: Covers inbox attach/detach, unreachable sends, full-inbox behavior, and result delivery

package transport

import (
	"context"
	"testing"
	"time"
)

func TestSendUnattached(t *testing.T) {
	tr := NewInProc(nil)

	err := tr.Send("ghost", &Envelope{JID: "j1"})
	if err != ErrUnreachable {
		t.Errorf("Send to unattached minion = %v, want ErrUnreachable", err)
	}
}

func TestSendAndNext(t *testing.T) {
	tr := NewInProc(nil)
	tr.Attach("web1")

	env := &Envelope{JID: "j1", Command: []byte("ping"), CreatedAt: time.Now()}
	if err := tr.Send("web1", env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := tr.Next(context.Background(), "web1")
	if got == nil || got.JID != "j1" {
		t.Fatalf("Next = %+v, want envelope j1", got)
	}
}

func TestNextContextCancelled(t *testing.T) {
	tr := NewInProc(nil)
	tr.Attach("web1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if got := tr.Next(ctx, "web1"); got != nil {
		t.Errorf("Next on empty inbox = %+v, want nil after context timeout", got)
	}
}

func TestDetach(t *testing.T) {
	tr := NewInProc(nil)
	tr.Attach("web1")
	tr.Detach("web1")

	if err := tr.Send("web1", &Envelope{JID: "j1"}); err != ErrUnreachable {
		t.Errorf("Send after detach = %v, want ErrUnreachable", err)
	}
}

func TestSendFullInbox(t *testing.T) {
	tr := NewInProc(nil)
	tr.Attach("slow")

	var err error
	for i := 0; i <= inboxSize; i++ {
		err = tr.Send("slow", &Envelope{JID: "j"})
	}
	if err != ErrUnreachable {
		t.Errorf("Send to full inbox = %v, want ErrUnreachable", err)
	}
}

func TestDeliver(t *testing.T) {
	tr := NewInProc(nil)

	// Without a receiver the result is dropped, not a panic.
	tr.Deliver(Result{JID: "j1", MinionID: "web1"})

	got := make(chan Result, 1)
	tr.OnReceive(func(r Result) { got <- r })

	tr.Deliver(Result{JID: "j2", MinionID: "web1", Payload: []byte("pong")})
	select {
	case r := <-got:
		if r.JID != "j2" || string(r.Payload) != "pong" {
			t.Errorf("received %+v, want j2/pong", r)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never invoked")
	}
}
