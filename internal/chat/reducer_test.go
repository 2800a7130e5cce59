package chat

import (
	"testing"
	"time"

	"github.com/vetlink/chat-sync/internal/model"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(id, sender string, at time.Duration) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        model.StringPtr("text " + id),
		CreatedAt:      t0.Add(at),
	}
}

func ids(s State) []string {
	out := make([]string, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, s State, want ...string) {
	t.Helper()
	got := ids(s)
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}

func sentTemp(tempID string, at time.Duration) model.Message {
	m := msg(tempID, "me", at)
	m.ClientID = tempID
	return m
}

func durableOf(temp model.Message, id string, at time.Duration) model.Message {
	m := temp
	m.ID = id
	m.CreatedAt = t0.Add(at)
	return m
}

func TestReduceNoDuplicationEitherOrder(t *testing.T) {
	temp := sentTemp("local-A", 0)
	durable := durableOf(temp, "m-1", time.Millisecond)

	orders := map[string][]Action{
		"response then echo": {
			OptimisticAdd{Message: temp},
			PersistSucceeded{TempID: temp.ID, Message: durable},
			RemoteInsert{Message: durable},
		},
		"echo then response": {
			OptimisticAdd{Message: temp},
			RemoteInsert{Message: durable},
			PersistSucceeded{TempID: temp.ID, Message: durable},
		},
	}

	for name, actions := range orders {
		t.Run(name, func(t *testing.T) {
			s := NewState("me")
			for _, a := range actions {
				s = Reduce(s, a)
			}
			assertIDs(t, s, "m-1")
			if _, ok := s.Status["local-A"]; ok {
				t.Fatalf("temporary status should be gone")
			}
			if st := s.Status["m-1"]; !st.Sent || st.Delivered || st.Read {
				t.Fatalf("unexpected status %+v", st)
			}
		})
	}
}

func TestReduceEchoWithoutClientIDStillConverges(t *testing.T) {
	temp := sentTemp("local-A", 0)
	durable := durableOf(temp, "m-1", time.Millisecond)
	durable.ClientID = ""

	s := NewState("me")
	s = Reduce(s, OptimisticAdd{Message: temp})
	s = Reduce(s, PersistSucceeded{TempID: temp.ID, Message: durable})
	s = Reduce(s, RemoteInsert{Message: durable})
	assertIDs(t, s, "m-1")
}

func TestReduceConcurrentSendsMatchByTempID(t *testing.T) {
	a := sentTemp("local-A", 0)
	b := sentTemp("local-B", time.Second)

	s := NewState("me")
	s = Reduce(s, OptimisticAdd{Message: a})
	s = Reduce(s, OptimisticAdd{Message: b})
	// B completes first.
	s = Reduce(s, PersistSucceeded{TempID: b.ID, Message: durableOf(b, "m-b", time.Second)})
	s = Reduce(s, PersistFailed{TempID: a.ID})

	assertIDs(t, s, "m-b")
}

func TestReduceKeepsCreationOrder(t *testing.T) {
	s := NewState("me")
	s = Reduce(s, Loaded{Messages: []model.Message{msg("m-1", "peer", 0), msg("m-3", "peer", 3*time.Second)}})
	s = Reduce(s, RemoteInsert{Message: msg("m-2", "peer", 2*time.Second)})
	s = Reduce(s, OptimisticAdd{Message: sentTemp("local-A", 4*time.Second)})
	s = Reduce(s, RemoteInsert{Message: msg("m-0", "peer", -time.Second)})

	assertIDs(t, s, "m-0", "m-1", "m-2", "m-3", "local-A")
}

func TestReduceLoadedKeepsInFlightTemporaries(t *testing.T) {
	inflight := sentTemp("local-A", 5*time.Second)
	committed := sentTemp("local-B", 6*time.Second)

	s := NewState("me")
	s = Reduce(s, OptimisticAdd{Message: inflight})
	s = Reduce(s, OptimisticAdd{Message: committed})

	row := durableOf(committed, "m-b", 6*time.Second)
	s = Reduce(s, Loaded{Messages: []model.Message{msg("m-1", "peer", 0), row}})

	assertIDs(t, s, "m-1", "local-A", "m-b")
	if st := s.Status["m-1"]; !st.Sent || !st.Delivered || st.Read {
		t.Fatalf("peer message status %+v", st)
	}
}

func TestReducePeerInsertStatus(t *testing.T) {
	s := Reduce(NewState("me"), RemoteInsert{Message: msg("m-1", "peer", 0)})
	if st := s.Status["m-1"]; st != (model.DeliveryStatus{Sent: true, Delivered: true}) {
		t.Fatalf("unexpected peer status %+v", st)
	}

	// A redelivered INSERT is an upsert.
	s = Reduce(s, RemoteInsert{Message: msg("m-1", "peer", 0)})
	assertIDs(t, s, "m-1")
}

func TestReduceStatusIsolation(t *testing.T) {
	own := msg("m-1", "me", 0)
	s := NewState("me")
	s = Reduce(s, RemoteInsert{Message: own})

	selfWrite := own
	selfWrite.Read = true
	now := t0
	selfWrite.DeliveredAt = &now
	s = Reduce(s, RemoteUpdate{Message: selfWrite, ActorID: "me"})
	if st := s.Status["m-1"]; st.Delivered || st.Read {
		t.Fatalf("own update must not move receipts, got %+v", st)
	}
	if m, _ := s.Find("m-1"); m.Read || m.DeliveredAt != nil {
		t.Fatalf("own update must not move receipt fields, got %+v", m)
	}

	delivered := own
	delivered.DeliveredAt = &now
	s = Reduce(s, RemoteUpdate{Message: delivered, ActorID: "peer"})
	if st := s.Status["m-1"]; !st.Delivered || st.Read {
		t.Fatalf("expected delivered only, got %+v", st)
	}

	read := delivered
	read.Read = true
	s = Reduce(s, RemoteUpdate{Message: read, ActorID: "peer"})
	if st := s.Status["m-1"]; !st.Sent || !st.Delivered || !st.Read {
		t.Fatalf("expected read, got %+v", st)
	}
}

func TestReduceUpdateUnknownIDIsNoop(t *testing.T) {
	s := Reduce(NewState("me"), RemoteInsert{Message: msg("m-1", "peer", 0)})
	next := Reduce(s, RemoteUpdate{Message: msg("m-404", "peer", 0), ActorID: "peer"})
	assertIDs(t, next, "m-1")
	if _, ok := next.Status["m-404"]; ok {
		t.Fatalf("unknown update must not create status")
	}
}

func TestReduceRemoved(t *testing.T) {
	s := Reduce(NewState("me"), Loaded{Messages: []model.Message{msg("m-1", "me", 0), msg("m-2", "peer", time.Second)}})
	s = Reduce(s, Removed{ID: "m-1"})
	assertIDs(t, s, "m-2")
	if _, ok := s.Status["m-1"]; ok {
		t.Fatalf("status should be dropped")
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := Reduce(NewState("me"), RemoteInsert{Message: msg("m-1", "peer", 0)})
	_ = Reduce(s, Removed{ID: "m-1"})
	_ = Reduce(s, RemoteInsert{Message: msg("m-2", "peer", time.Second)})
	assertIDs(t, s, "m-1")
	if len(s.Status) != 1 {
		t.Fatalf("input status map mutated: %v", s.Status)
	}
}

func TestReduceUpdateOvertakingOwnInsert(t *testing.T) {
	temp := sentTemp("local-A", 0)
	durable := durableOf(temp, "m-1", time.Millisecond)
	read := durable
	read.Read = true
	now := t0
	read.DeliveredAt = &now

	s := NewState("me")
	s = Reduce(s, OptimisticAdd{Message: temp})
	s = Reduce(s, RemoteUpdate{Message: read, ActorID: "peer"})
	s = Reduce(s, RemoteInsert{Message: durable})
	s = Reduce(s, PersistSucceeded{TempID: temp.ID, Message: durable})

	assertIDs(t, s, "m-1")
	if st := s.Status["m-1"]; !st.Sent || !st.Delivered || !st.Read {
		t.Fatalf("read receipt lost, status %+v", st)
	}
	if m, _ := s.Find("m-1"); !m.Read {
		t.Fatalf("message read flag regressed")
	}
}
