package chat

import (
	"sort"

	"github.com/vetlink/chat-sync/internal/model"
)

// State is the local view of one conversation for one participant.
// Messages are ordered by CreatedAt ascending; Status is keyed by message id.
type State struct {
	SelfID   string
	Messages []model.Message
	Status   map[string]model.DeliveryStatus
}

// Action is a tagged state transition fed to Reduce.
type Action interface {
	action()
}

// Loaded replaces the list with a fresh load. In-flight temporary entries survive
// unless the load already contains their durable row.
type Loaded struct{ Messages []model.Message }

// OptimisticAdd appends a temporary entry for an outgoing message.
type OptimisticAdd struct{ Message model.Message }

// PersistSucceeded swaps the temporary entry for its durable row.
type PersistSucceeded struct {
	TempID  string
	Message model.Message
}

// PersistFailed drops the temporary entry after the retry budget is spent.
type PersistFailed struct{ TempID string }

// RemoteInsert merges a realtime INSERT.
type RemoteInsert struct{ Message model.Message }

// RemoteUpdate merges a realtime UPDATE made by ActorID.
type RemoteUpdate struct {
	Message model.Message
	ActorID string
}

// Removed drops an entry by id.
type Removed struct{ ID string }

func (Loaded) action()           {}
func (OptimisticAdd) action()    {}
func (PersistSucceeded) action() {}
func (PersistFailed) action()    {}
func (RemoteInsert) action()     {}
func (RemoteUpdate) action()     {}
func (Removed) action()          {}

// NewState returns an empty state for selfID.
func NewState(selfID string) State {
	return State{SelfID: selfID, Messages: []model.Message{}, Status: map[string]model.DeliveryStatus{}}
}

// Reduce applies a to s and returns the next state. s is not modified.
func Reduce(s State, a Action) State {
	next := s.clone()

	switch a := a.(type) {
	case Loaded:
		loadedClientIDs := make(map[string]struct{}, len(a.Messages))
		msgs := make([]model.Message, 0, len(a.Messages))
		status := make(map[string]model.DeliveryStatus, len(a.Messages))
		for _, m := range a.Messages {
			msgs = append(msgs, m)
			status[m.ID] = next.derive(m)
			if m.ClientID != "" {
				loadedClientIDs[m.ClientID] = struct{}{}
			}
		}
		for _, m := range next.Messages {
			if !m.IsTemporary() {
				continue
			}
			if _, ok := loadedClientIDs[m.ID]; ok {
				continue
			}
			msgs = append(msgs, m)
			status[m.ID] = next.Status[m.ID]
		}
		next.Messages = msgs
		next.Status = status

	case OptimisticAdd:
		if next.index(a.Message.ID) >= 0 {
			return s
		}
		next.Messages = append(next.Messages, a.Message)
		next.Status[a.Message.ID] = model.DeliveryStatus{}

	case PersistSucceeded:
		st := next.Status[a.Message.ID]
		st.Sent = true
		st.Delivered = st.Delivered || a.Message.Delivered()
		st.Read = st.Read || a.Message.Read

		tmp, dur := next.index(a.TempID), next.index(a.Message.ID)
		switch {
		case dur >= 0:
			// The realtime echo got here first.
			next.Messages[dur] = keepReceipts(next.Messages[dur], a.Message)
			if tmp >= 0 {
				next.remove(tmp)
			}
		case tmp >= 0:
			next.Messages[tmp] = a.Message
		default:
			next.Messages = append(next.Messages, a.Message)
		}
		delete(next.Status, a.TempID)
		next.Status[a.Message.ID] = st

	case PersistFailed:
		if i := next.index(a.TempID); i >= 0 {
			next.remove(i)
		}
		delete(next.Status, a.TempID)

	case RemoteInsert:
		m := a.Message
		if m.SenderID != next.SelfID {
			if i := next.index(m.ID); i >= 0 {
				m = keepReceipts(next.Messages[i], m)
				next.Messages[i] = m
			} else {
				next.Messages = append(next.Messages, m)
			}
			next.Status[m.ID] = model.DeliveryStatus{Sent: true, Delivered: true, Read: m.Read}
			break
		}

		st := next.Status[m.ID]
		st.Sent = true
		if i := next.index(m.ID); i >= 0 {
			next.Messages[i] = keepReceipts(next.Messages[i], m)
		} else if i := next.temporaryFor(m.ClientID); i >= 0 {
			delete(next.Status, next.Messages[i].ID)
			next.Messages[i] = m
		} else {
			next.Messages = append(next.Messages, m)
		}
		next.Status[m.ID] = st

	case RemoteUpdate:
		m := a.Message
		i := next.index(m.ID)
		if i < 0 {
			// An update can overtake the INSERT of our own send.
			if i = next.temporaryFor(m.ClientID); i < 0 {
				return s
			}
			delete(next.Status, next.Messages[i].ID)
		}
		prev := next.Messages[i]
		st := next.Status[m.ID]
		if prev.SenderID == next.SelfID {
			if a.ActorID == next.SelfID {
				// Receipts on own messages only move on the peer's writes.
				m.Read = prev.Read
				m.DeliveredAt = prev.DeliveredAt
			} else {
				st.Delivered = st.Delivered || m.Delivered()
				st.Read = st.Read || m.Read
			}
			st.Sent = true
		} else {
			st.Read = st.Read || m.Read
		}
		next.Messages[i] = m
		next.Status[m.ID] = st

	case Removed:
		if i := next.index(a.ID); i >= 0 {
			next.remove(i)
		}
		delete(next.Status, a.ID)
	}

	next.sort()
	return next
}

// keepReceipts returns m without regressing the receipts already seen on prev.
func keepReceipts(prev, m model.Message) model.Message {
	m.Read = m.Read || prev.Read
	if m.DeliveredAt == nil {
		m.DeliveredAt = prev.DeliveredAt
	}
	return m
}

func (s State) clone() State {
	msgs := make([]model.Message, len(s.Messages))
	copy(msgs, s.Messages)
	status := make(map[string]model.DeliveryStatus, len(s.Status))
	for k, v := range s.Status {
		status[k] = v
	}
	return State{SelfID: s.SelfID, Messages: msgs, Status: status}
}

// derive computes the status of a row read from the store.
func (s State) derive(m model.Message) model.DeliveryStatus {
	if m.SenderID == s.SelfID {
		return model.DeliveryStatus{Sent: true, Delivered: m.Delivered(), Read: m.Read}
	}
	return model.DeliveryStatus{Sent: true, Delivered: true, Read: m.Read}
}

func (s State) index(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) temporaryFor(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].IsTemporary() && s.Messages[i].ID == clientID {
			return i
		}
	}
	return -1
}

func (s *State) remove(i int) {
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
}

func (s *State) sort() {
	sort.SliceStable(s.Messages, func(i, j int) bool {
		return s.Messages[i].CreatedAt.Before(s.Messages[j].CreatedAt)
	})
}

// Find returns the entry with id.
func (s State) Find(id string) (model.Message, bool) {
	if i := s.index(id); i >= 0 {
		return s.Messages[i], true
	}
	return model.Message{}, false
}
