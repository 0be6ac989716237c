package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(EventTaskTransition, func(e Event) {
		got <- e
	})

	b.Publish(EventTaskTransition, map[string]any{"task_id": "T0001"})

	select {
	case e := <-got:
		if e.Type != EventTaskTransition {
			t.Errorf("wrong type: %s", e.Type)
		}
		if e.Data["task_id"] != "T0001" {
			t.Errorf("wrong data: %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventSprintTransition, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(EventTaskTransition, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("subscriber received events of another type: %d", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	got := make(chan Event, 10)
	unsub := b.Subscribe(EventTaskTransition, func(e Event) {
		got <- e
	})
	unsub()

	b.Publish(EventTaskTransition, nil)

	select {
	case <-got:
		t.Fatal("unsubscribed handler still received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus(1)
	defer b.Close()

	// A subscriber that never drains its channel.
	block := make(chan struct{})
	b.Subscribe(EventTaskTransition, func(e Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(EventTaskTransition, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}

func TestBus_PanickingSubscriber(t *testing.T) {
	b := NewBus(10)
	defer b.Close()

	b.Subscribe(EventTaskTransition, func(e Event) {
		panic("boom")
	})
	got := make(chan Event, 1)
	b.Subscribe(EventTaskTransition, func(e Event) {
		got <- e
	})

	b.Publish(EventTaskTransition, nil)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("panicking subscriber prevented delivery to others")
	}
}
