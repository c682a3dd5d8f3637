package fanout

import (
	"errors"
	"testing"
)

type fakeSender struct {
	last string
	got  int
	fail bool
}

func (f *fakeSender) Send(v string) error {
	if f.fail {
		return errors.New("send fail")
	}
	f.last = v
	f.got++
	return nil
}

func TestHub_RegisterAndPublish(t *testing.T) {
	hub := NewHub[string]()

	a := &fakeSender{}
	b := &fakeSender{}

	idA := hub.Register("direct:c1", a)
	_ = hub.Register("direct:c1", b) // second subscriber

	if err := hub.Publish("direct:c1", "m1"); err != nil {
		t.Fatalf("expected publish success, got error: %v", err)
	}
	if a.last != "m1" || b.last != "m1" {
		t.Fatalf("both subscribers should receive m1, got %q and %q", a.last, b.last)
	}

	hub.Unregister("direct:c1", idA)

	if err := hub.Publish("direct:c1", "m2"); err != nil {
		t.Fatalf("expected publish success after unregistering one subscriber: %v", err)
	}
	if a.last == "m2" {
		t.Fatalf("unregistered subscriber should not receive m2")
	}
	if b.last != "m2" {
		t.Fatalf("remaining subscriber did not receive m2")
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub[string]()
	if err := hub.Publish("group:g1", "x"); err == nil {
		t.Fatalf("expected error when publishing to a topic with no subscribers")
	}
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	hub := NewHub[string]()
	a := &fakeSender{}
	b := &fakeSender{}
	hub.Register("direct:c1", a)
	hub.Register("direct:c2", b)

	if err := hub.Publish("direct:c1", "only-c1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.got != 0 {
		t.Fatalf("subscriber of another topic received %d values", b.got)
	}
}

func TestHub_PartialFailureUnregisters(t *testing.T) {
	hub := NewHub[string]()

	ok := &fakeSender{}
	bad := &fakeSender{fail: true}
	_ = hub.Register("t", ok)
	_ = hub.Register("t", bad)

	if err := hub.Publish("t", "x"); err == nil {
		t.Fatalf("expected error due to partial sender failure")
	}
	if n := hub.Subscribers("t"); n != 1 {
		t.Fatalf("failed subscriber should be removed, %d left", n)
	}
	if err := hub.Publish("t", "y"); err != nil {
		t.Fatalf("expected publish to succeed after cleanup: %v", err)
	}
	if ok.last != "y" {
		t.Fatalf("healthy subscriber did not receive y")
	}
}

func TestHub_SenderMayUnregisterItself(t *testing.T) {
	hub := NewHub[string]()
	var id int64
	calls := 0
	id = hub.Register("t", SenderFunc[string](func(string) error {
		calls++
		hub.Unregister("t", id)
		return nil
	}))

	if err := hub.Publish("t", "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 1 || hub.Subscribers("t") != 0 {
		t.Fatalf("calls=%d subscribers=%d", calls, hub.Subscribers("t"))
	}
}
