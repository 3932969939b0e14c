package engine_test

import (
	"testing"

	"github.com/smileloop/smileloop/internal/engine"
)

func drain(ch <-chan engine.Event) []string {
	var steps []string
	for ev := range ch {
		steps = append(steps, ev.Step)
	}
	return steps
}

func TestEventBrokerFanOut(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", engine.Event{Seq: 0, Step: "submitting"})
	b.Publish("j1", engine.Event{Seq: 1, Step: "generating"})
	b.Publish("other", engine.Event{Step: "ignored"})
	b.Close("j1")

	for i, ch := range []<-chan engine.Event{ch1, ch2} {
		got := drain(ch)
		if len(got) != 2 || got[0] != "submitting" || got[1] != "generating" {
			t.Errorf("subscriber %d got %v", i, got)
		}
	}
}

func TestEventBrokerLateSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("j1")

	ch, unsub := b.Subscribe("j1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber should receive a closed channel")
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()
	b.Publish("j1", engine.Event{Step: "x"})
	b.Close("j1")

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("unsubscribed channel received %+v", ev)
		}
	default:
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	for i := 0; i < 100; i++ {
		b.Publish("j1", engine.Event{Seq: i})
	}
	b.Close("j1")

	n := len(drain(ch))
	if n == 0 || n >= 100 {
		t.Errorf("received %d events, want a bounded non-empty number", n)
	}
}

func TestEventBrokerForget(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("j1")
	b.Forget("j1")

	ch, unsub := b.Subscribe("j1")
	defer unsub()
	b.Publish("j1", engine.Event{Step: "fresh"})
	b.Close("j1")
	if got := drain(ch); len(got) != 1 {
		t.Errorf("after Forget, got %v", got)
	}
}
