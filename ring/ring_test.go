package ring

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/eslswitch/channel"
	"github.com/sebas/eslswitch/correlate"
	"github.com/sebas/eslswitch/frame"
	"github.com/sebas/eslswitch/loadbalancer"
	"github.com/sebas/eslswitch/router"
)

// fakeSender hands out sequential UUIDs for create_uuid and always
// replies +OK, recording every command it saw.
type fakeSender struct {
	mu      sync.Mutex
	nextID  int32
	sent    []string
	uuidFor map[string]string // dial -> assigned uuid, filled as create_uuid is answered per-call in order
	order   []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{uuidFor: make(map[string]string)}
}

func (s *fakeSender) Send(ctx context.Context, cmd string) (*frame.Event, error) {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()

	ev := frame.ParseHeaderBlock("Content-Type: api/response")
	switch {
	case cmd == "api create_uuid":
		n := atomic.AddInt32(&s.nextID, 1)
		uuid := fmt.Sprintf("uuid-%d", n)
		s.mu.Lock()
		s.order = append(s.order, uuid)
		s.mu.Unlock()
		ev.Body = []byte(uuid)
	case strings.HasPrefix(cmd, "api originate"):
		ev.Body = []byte("+OK")
	default:
		ev.Body = []byte("+OK")
	}
	return ev, nil
}

func (s *fakeSender) createdUUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func newTestDeps(sender *fakeSender) (channel.Deps, *router.Router) {
	r := router.New()
	c := correlate.New(sender, r)
	return channel.Deps{Sender: sender, Correlator: c, Subscriber: r}, r
}

func answer(r *router.Router, uuid string, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		r.Dispatch(mkEv("CHANNEL_EXECUTE", uuid))
		r.Dispatch(mkEv("CHANNEL_ANSWER", uuid))
	}()
}

func mkEv(name, uuid string) *frame.Event {
	return frame.ParseHeaderBlock("Event-Name: " + name + "\nUnique-ID: " + uuid + "\nChannel-State-Number: " + strconv.Itoa(int(channel.StateExecute)))
}

func TestRing_Parallel_FirstAnswerWins(t *testing.T) {
	sender := newFakeSender()
	deps, r := newTestDeps(sender)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ids := sender.createdUUIDs()
		if len(ids) < 2 {
			return
		}
		// second destination answers first
		answer(r, ids[1], 10*time.Millisecond)
	}()

	group := []Destination{Dest("user/1001"), Dest("user/1002")}
	winner, err := Ring(context.Background(), deps, group, Parallel, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if winner == nil {
		t.Fatal("expected a winner")
	}
	if winner.UUID() != "uuid-2" {
		t.Fatalf("winner = %s, want uuid-2", winner.UUID())
	}
}

func TestRing_Parallel_NoAnswerTimesOut(t *testing.T) {
	sender := newFakeSender()
	deps, _ := newTestDeps(sender)

	group := []Destination{Dest("user/1001"), Dest("user/1002")}
	winner, err := Ring(context.Background(), deps, group, Parallel, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if winner != nil {
		t.Fatal("expected no winner")
	}
}

func TestRing_Sequential_SecondDestinationAnswers(t *testing.T) {
	sender := newFakeSender()
	deps, r := newTestDeps(sender)

	go func() {
		for {
			ids := sender.createdUUIDs()
			if len(ids) >= 2 {
				answer(r, ids[1], 5*time.Millisecond)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	group := []Destination{Dest("user/1001"), Dest("user/1002")}
	winner, err := Ring(context.Background(), deps, group, Sequential, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if winner == nil {
		t.Fatal("expected a winner")
	}
	if winner.UUID() != "uuid-2" {
		t.Fatalf("winner = %s, want uuid-2", winner.UUID())
	}
}

func TestRing_Balanced_RequiresBalancer(t *testing.T) {
	sender := newFakeSender()
	deps, _ := newTestDeps(sender)

	_, err := Ring(context.Background(), deps, []Destination{Dest("user/1001")}, Balanced, time.Second)
	if err != ErrBalancerRequired {
		t.Fatalf("err = %v, want ErrBalancerRequired", err)
	}
}

func TestRing_Balanced_PicksLeastLoadedAndAnswers(t *testing.T) {
	sender := newFakeSender()
	deps, r := newTestDeps(sender)
	lb := loadbalancer.NewInMemory()
	lb.Increment(context.Background(), "user/1001")

	go func() {
		for {
			ids := sender.createdUUIDs()
			if len(ids) >= 1 {
				answer(r, ids[0], 5*time.Millisecond)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	group := []Destination{Dest("user/1001"), Dest("user/1002")}
	winner, err := Ring(context.Background(), deps, group, Balanced, 60*time.Millisecond, WithBalancer(lb))
	if err != nil {
		t.Fatalf("Ring: %v", err)
	}
	if winner == nil {
		t.Fatal("expected a winner")
	}

	cmds := sender.sent
	found := false
	for _, c := range cmds {
		if strings.Contains(c, "user/1002") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected user/1002 (least loaded) to be dialed first")
	}

	count, _ := lb.GetCount(context.Background(), "user/1002")
	if count != 0 {
		t.Fatalf("winning destination's count = %d, want 0 (decremented)", count)
	}
}
