package live

import (
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/lore-engine/internal/domain"
)

func TestHubPublishReachesSessionSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("s1", "u1")
	b := h.Subscribe("s1", "u1")
	other := h.Subscribe("s2", "u2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	h.Publish("s1", domain.UIState{SessionID: "s1", Score: 10})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ui := <-sub.C():
			if ui.Score != 10 {
				t.Fatalf("score = %d", ui.Score)
			}
		default:
			t.Fatal("subscriber did not receive update")
		}
	}
	select {
	case ui := <-other.C():
		t.Fatalf("unrelated session received %+v", ui)
	default:
	}
}

func TestHubSlowSubscriberKeepsLatest(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("s1", "u1")
	defer sub.Close()

	for i := range subscriberBuffer * 3 {
		h.Publish("s1", domain.UIState{SessionID: "s1", Score: i})
	}

	var last domain.UIState
	for {
		select {
		case ui := <-sub.C():
			last = ui
			continue
		default:
		}
		break
	}
	if last.Score != subscriberBuffer*3-1 {
		t.Fatalf("latest state lost, got score %d", last.Score)
	}
}

func TestHubCloseAndUnsubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("s1", "u1")
	b := h.Subscribe("s1", "u1")

	a.Close()
	a.Close()
	if n := h.Subscribers("s1"); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if _, ok := <-a.C(); ok {
		t.Fatal("closed subscription channel still open")
	}

	h.CloseSession("s1")
	if _, ok := <-b.C(); ok {
		t.Fatal("CloseSession left channel open")
	}
	b.Close()
	if n := h.Subscribers("s1"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestHubConcurrentAccess(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		id := "s" + strconv.Itoa(i%3)
		go func() {
			defer wg.Done()
			sub := h.Subscribe(id, "u")
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			h.Publish(id, domain.UIState{SessionID: id})
		}()
	}
	wg.Wait()
}
