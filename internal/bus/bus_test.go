package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval")
	defer b.Unsubscribe(sub)

	b.Publish(TopicApprovalRequested, ApprovalRequested{RequestID: "r1", AgentID: "main"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicApprovalRequested {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicApprovalRequested)
		}
		payload, ok := event.Payload.(ApprovalRequested)
		if !ok {
			t.Fatalf("payload type = %T, want ApprovalRequested", event.Payload)
		}
		if payload.RequestID != "r1" {
			t.Fatalf("request id = %q, want r1", payload.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	approvalSub := b.Subscribe("approval.")
	defer b.Unsubscribe(approvalSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicApprovalResolved, ApprovalResolved{RequestID: "r2"})
	b.Publish(TopicAgentRegistered, AgentEvent{AgentID: "main"})

	// approvalSub should receive approval.resolved but not agent.registered.
	select {
	case event := <-approvalSub.Ch():
		if event.Topic != TopicApprovalResolved {
			t.Fatalf("topic = %q, want approval.resolved", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for approval event")
	}

	select {
	case event := <-approvalSub.Ch():
		t.Fatalf("unexpected event on approvalSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("approval")
	sub2 := b.Subscribe("approval")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicApprovalTimeout, ApprovalTimeout{RequestID: "shared"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			payload := event.Payload.(ApprovalTimeout)
			if payload.RequestID != "shared" {
				t.Fatalf("request id = %q, want shared", payload.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
