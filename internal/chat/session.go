package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vetlink/chat-sync/internal/model"
	"github.com/vetlink/chat-sync/internal/notify"
	"github.com/vetlink/chat-sync/internal/realtime"
	"github.com/vetlink/chat-sync/internal/store"
	"github.com/vetlink/chat-sync/pkg/logger"
	"github.com/vetlink/chat-sync/pkg/metrics"
)

const (
	channelMessages = "messages"
	channelTyping   = "typing"

	sideEffectTimeout = 10 * time.Second
	loadErrorMessage  = "Unable to load messages. Check your connection and try again."
)

// Deps are the collaborators of a session.
type Deps struct {
	Resolver *Resolver
	Messages *MessageAdapter
	Typing   store.TypingStore
	Realtime realtime.Subscriber
	Notifier notify.Notifier
	Clock    Clock
	Logger   *logger.Logger
}

// Options tune a session.
type Options struct {
	Retry             RetryPolicy
	TypingDebounce    time.Duration
	PeerTypingTTL     time.Duration
	ResubscribeBase   time.Duration
	ResubscribeMaxGap time.Duration
	// AutoMarkRead marks peer messages read while the session is open.
	AutoMarkRead bool
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Retry:             DefaultRetryPolicy(),
		TypingDebounce:    time.Second,
		PeerTypingTTL:     5 * time.Second,
		ResubscribeBase:   time.Second,
		ResubscribeMaxGap: 30 * time.Second,
		AutoMarkRead:      true,
	}
}

// FailedSend is an outgoing message whose retries ran out.
type FailedSend struct {
	TempID   string `json:"temp_id"`
	Text     string `json:"text,omitempty"`
	ImageURI string `json:"image_uri,omitempty"`

	imageURL string
}

type messageEvent struct{ change model.MessageChange }

type typingEvent struct{ change model.TypingChange }

// journaled is an action applied while a load was in flight.
type journaled struct {
	rev    uint64
	action Action
}

// Session is one participant's open conversation with a peer.
type Session struct {
	selfID string
	peerID string
	deps   Deps
	opts   Options

	pipeline *Pipeline
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	wg     sync.WaitGroup

	lifeMu sync.Mutex
	opened bool
	closed bool

	mu             sync.Mutex
	conversationID string
	state          State
	rev            uint64
	loads          int
	journal        []journaled
	loadAlert      *Alert
	peerTyping     bool
	networkError   string
	sending        int
	failed         map[string]FailedSend
	watchers       map[*Watcher]struct{}

	messagesCh *Channel
	typingCh   *Channel
	typing     *Typing
}

// NewSession creates an unopened session for selfID talking to peerID.
func NewSession(selfID, peerID string, deps Deps, opts Options) *Session {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := deps.Logger.Named("session").With(zap.String("self_id", selfID), zap.String("peer_id", peerID))

	return &Session{
		selfID:   selfID,
		peerID:   peerID,
		deps:     deps,
		opts:     opts,
		pipeline: NewPipeline(deps.Messages, opts.Retry, log),
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, 256),
		state:    NewState(selfID),
		failed:   make(map[string]FailedSend),
		watchers: make(map[*Watcher]struct{}),
	}
}

// SelfID returns the local participant.
func (s *Session) SelfID() string { return s.selfID }

// PeerID returns the other participant.
func (s *Session) PeerID() string { return s.peerID }

// ConversationID returns the resolved conversation id, or "" before Open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Open resolves the conversation, subscribes to its channels and loads the
// message list. Only a resolution failure is returned; a load failure is
// reported through the view and an alert.
func (s *Session) Open(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.lifeMu.Unlock()
		return nil
	}
	s.opened = true
	s.lifeMu.Unlock()

	convID, err := s.deps.Resolver.Resolve(ctx, s.selfID, s.peerID)
	if err != nil {
		s.raise(Alert{Kind: AlertResolveFailed, Message: "This conversation is unavailable right now."})
		return err
	}

	log := s.logger.ForConversation(convID, s.selfID)
	s.mu.Lock()
	s.conversationID = convID
	s.logger = log
	s.typing = NewTyping(convID, s.selfID, s.deps.Typing, s.deps.Clock, TypingOptions{
		Debounce: s.opts.TypingDebounce,
		PeerTTL:  s.opts.PeerTypingTTL,
	}, s.setPeerTyping, log)
	s.messagesCh = NewChannel(channelMessages, realtime.MessagesSubject(convID), s.deps.Realtime,
		s.onMessageData, s.lost(channelMessages), log)
	s.typingCh = NewChannel(channelTyping, realtime.TypingSubject(convID), s.deps.Realtime,
		s.onTypingData, s.lost(channelTyping), log)
	s.mu.Unlock()

	metrics.SessionsActive.Inc()

	// Events queue up while the initial load runs and merge after it.
	for _, c := range []*Channel{s.messagesCh, s.typingCh} {
		if err := c.Subscribe(); err != nil {
			log.Warn("Subscribe failed", zap.Error(err))
			s.lost(c.name)(err)
		}
	}
	_ = s.Refresh(ctx)

	s.spawn(s.run)
	log.Info("Session opened")
	return nil
}

// Refresh reloads the full message list. Actions applied while the load is in
// flight are replayed on top of it so nothing merged meanwhile is lost.
func (s *Session) Refresh(ctx context.Context) error {
	convID := s.ConversationID()
	if convID == "" {
		return ErrSessionClosed
	}

	s.mu.Lock()
	since := s.rev
	s.loads++
	s.mu.Unlock()

	msgs, err := s.deps.Messages.LoadAll(ctx, convID)

	s.mu.Lock()
	s.loads--
	var replay []Action
	for _, j := range s.journal {
		if j.rev > since {
			replay = append(replay, j.action)
		}
	}
	if s.loads == 0 {
		s.journal = nil
	}
	if err != nil {
		a := Alert{Kind: AlertLoadFailed, Message: loadErrorMessage}
		s.networkError = loadErrorMessage
		s.loadAlert = &a
		s.raiseLocked(a)
		s.publishLocked()
		s.mu.Unlock()
		return err
	}
	s.networkError = ""
	s.loadAlert = nil
	s.rev++
	s.state = Reduce(s.state, Loaded{Messages: msgs})
	for _, a := range replay {
		s.state = Reduce(s.state, a)
	}
	s.publishLocked()
	s.mu.Unlock()

	if s.opts.AutoMarkRead {
		for _, m := range msgs {
			if m.SenderID != s.selfID && !m.Read {
				m := m
				s.spawn(func() { s.markRead(m.ID) })
			}
		}
	}
	return nil
}

// SendMessage adds an optimistic entry and persists it in the background.
// It returns the temporary id, or "" when there is nothing to send.
func (s *Session) SendMessage(text, imageURI string) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	if strings.TrimSpace(text) == "" && imageURI == "" {
		return "", nil
	}
	s.mu.Lock()
	convID, typing := s.conversationID, s.typing
	s.mu.Unlock()
	if convID == "" {
		return "", nil
	}

	typing.Stop()
	tempID := NewTemporaryID()
	s.send(FailedSend{TempID: tempID, Text: text, ImageURI: imageURI})
	return tempID, nil
}

// RetrySend re-runs a failed send immediately under its original temporary id.
func (s *Session) RetrySend(tempID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	d, ok := s.failed[tempID]
	if ok {
		delete(s.failed, tempID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownFailedSend
	}
	s.send(d)
	return nil
}

// CancelSend discards a failed send.
func (s *Session) CancelSend(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[tempID]; !ok {
		return ErrUnknownFailedSend
	}
	delete(s.failed, tempID)
	s.publishLocked()
	return nil
}

func (s *Session) send(d FailedSend) {
	now := s.deps.Clock.Now()
	draft := model.Message{
		ID:        d.TempID,
		SenderID:  s.selfID,
		ClientID:  d.TempID,
		Content:   model.StringPtr(d.Text),
		CreatedAt: now,
	}
	if d.imageURL != "" {
		draft.ImageURL = model.StringPtr(d.imageURL)
	} else {
		draft.ImageURL = model.StringPtr(d.ImageURI)
	}

	s.mu.Lock()
	draft.ConversationID = s.conversationID
	s.sending++
	s.applyLocked(OptimisticAdd{Message: draft})
	s.mu.Unlock()

	in := &PersistInput{
		ConversationID: draft.ConversationID,
		SenderID:       s.selfID,
		ClientID:       d.TempID,
		Text:           d.Text,
		ImageURI:       d.ImageURI,
		ImageURL:       d.imageURL,
	}
	started := s.spawn(func() {
		msg, err := s.pipeline.Run(s.ctx, in)
		s.finishSend(in, msg, err, now)
	})
	if !started {
		s.finishSend(in, model.Message{}, ErrSessionClosed, now)
	}
}

func (s *Session) finishSend(in *PersistInput, msg model.Message, err error, started time.Time) {
	elapsed := s.deps.Clock.Now().Sub(started).Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sending--
	switch {
	case err == nil:
		metrics.RecordSend("persisted", elapsed)
		s.applyLocked(PersistSucceeded{TempID: in.ClientID, Message: msg})

	case s.ctx.Err() != nil:
		metrics.RecordSend("canceled", elapsed)
		s.applyLocked(PersistFailed{TempID: in.ClientID})

	default:
		metrics.RecordSend("failed", elapsed)
		s.failed[in.ClientID] = FailedSend{
			TempID:   in.ClientID,
			Text:     in.Text,
			ImageURI: in.ImageURI,
			imageURL: in.ImageURL,
		}
		s.applyLocked(PersistFailed{TempID: in.ClientID})
		s.raiseLocked(Alert{
			Kind:    AlertSendFailed,
			Message: "Your message could not be sent.",
			TempID:  in.ClientID,
			Actions: []string{"retry", "cancel"},
		})
	}
}

// HandleInputChange reports a change of the input box. Clearing the box ends
// the typing state immediately.
func (s *Session) HandleInputChange(text string) {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing == nil || s.isClosed() {
		return
	}
	if text == "" {
		typing.Stop()
		return
	}
	typing.InputChanged()
}

// DeleteMessage removes one of the local participant's messages. The entry is
// removed optimistically and restored by a reload when the store refuses.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	msg, ok := s.state.Find(messageID)
	if !ok || msg.IsTemporary() {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.SenderID != s.selfID {
		s.raiseLocked(Alert{Kind: AlertNotAuthor, Message: "You can only delete your own messages."})
		s.mu.Unlock()
		return ErrNotAuthor
	}
	s.applyLocked(Removed{ID: messageID})
	s.mu.Unlock()

	if err := s.deps.Messages.Delete(ctx, msg, s.selfID); err != nil {
		s.logger.Warn("Delete failed, rolling back", zap.String("message_id", messageID), zap.Error(err))
		s.raise(Alert{Kind: AlertDeleteFailed, Message: "The message could not be deleted."})
		if rerr := s.Refresh(ctx); rerr != nil {
			s.apply(RemoteInsert{Message: msg})
		}
		return err
	}
	return nil
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Watch attaches a watcher that immediately receives the current view, and the
// load_failed alert while the last load has failed.
func (s *Session) Watch() *Watcher {
	w := newWatcher()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers == nil {
		close(w.views)
		close(w.alerts)
		w.cancel = func() {}
		return w
	}
	s.watchers[w] = struct{}{}
	w.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.views)
			close(w.alerts)
		}
	}
	w.offer(s.viewLocked())
	if s.loadAlert != nil {
		// The failed load may predate every watcher.
		w.alert(*s.loadAlert)
	}
	return w
}

// Close tears the session down: subscriptions first, then typing, then any
// pending sends and side effects. Watchers are closed last.
func (s *Session) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return
	}
	s.closed = true
	opened := s.opened
	s.lifeMu.Unlock()

	s.cancel()

	s.mu.Lock()
	messagesCh, typingCh, typing := s.messagesCh, s.typingCh, s.typing
	s.mu.Unlock()

	for _, c := range []*Channel{messagesCh, typingCh} {
		if c != nil {
			_ = c.Close()
		}
	}
	if typing != nil {
		typing.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	for w := range s.watchers {
		close(w.views)
		close(w.alerts)
	}
	s.watchers = nil
	s.mu.Unlock()

	if opened && typing != nil {
		metrics.SessionsActive.Dec()
	}
	s.logger.Info("Session closed")
}

func (s *Session) isClosed() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.closed
}

// spawn runs f in a tracked goroutine unless the session is closed.
func (s *Session) spawn(f func()) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

// run is the event loop applying realtime events in arrival order.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			switch ev := ev.(type) {
			case messageEvent:
				s.handleMessage(ev.change)
			case typingEvent:
				metrics.RealtimeEventsTotal.WithLabelValues(channelTyping, "UPSERT").Inc()
				s.typing.OnRemote(ev.change.Status)
			}
		}
	}
}

func (s *Session) handleMessage(change model.MessageChange) {
	m := change.Message
	if m.ConversationID != s.ConversationID() {
		return
	}
	metrics.RealtimeEventsTotal.WithLabelValues(channelMessages, string(change.Op)).Inc()

	switch change.Op {
	case model.OpInsert:
		s.apply(RemoteInsert{Message: m})
		if m.SenderID != s.selfID {
			s.spawn(func() { s.onPeerMessage(m) })
		}
	case model.OpUpdate:
		s.apply(RemoteUpdate{Message: m, ActorID: change.ActorID})
	case model.OpDelete:
		s.apply(Removed{ID: m.ID})
	default:
		s.logger.Warn("Unknown change op", zap.String("op", string(change.Op)))
	}
}

// onPeerMessage runs the best-effort side effects of an incoming message.
func (s *Session) onPeerMessage(m model.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, sideEffectTimeout)
	defer cancel()

	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Notify(ctx, notify.NewMessageNotification(s.selfID, m)); err != nil {
			metrics.SideChannelFailuresTotal.WithLabelValues("notification").Inc()
			s.logger.Warn("Failed to dispatch notification", zap.String("message_id", m.ID), zap.Error(err))
		}
	}

	if s.opts.AutoMarkRead {
		// Read implies delivered.
		s.deps.Messages.MarkRead(ctx, m.ID, s.selfID)
		return
	}
	s.deps.Messages.MarkDelivered(ctx, m.ID, s.selfID)
}

func (s *Session) markRead(messageID string) {
	ctx, cancel := context.WithTimeout(s.ctx, sideEffectTimeout)
	defer cancel()
	s.deps.Messages.MarkRead(ctx, messageID, s.selfID)
}

func (s *Session) onMessageData(data []byte) {
	var change model.MessageChange
	if err := json.Unmarshal(data, &change); err != nil {
		s.logger.Warn("Dropping undecodable message event", zap.Error(err))
		return
	}
	s.enqueue(messageEvent{change: change})
}

func (s *Session) onTypingData(data []byte) {
	var change model.TypingChange
	if err := json.Unmarshal(data, &change); err != nil {
		s.logger.Warn("Dropping undecodable typing event", zap.Error(err))
		return
	}
	s.enqueue(typingEvent{change: change})
}

func (s *Session) enqueue(ev any) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// lost starts a resubscription of the named channel. After the message channel
// comes back the list is reloaded to cover events missed in the gap.
func (s *Session) lost(name string) func(error) {
	return func(error) {
		s.spawn(func() {
			s.mu.Lock()
			c := s.typingCh
			if name == channelMessages {
				c = s.messagesCh
			}
			s.mu.Unlock()

			if err := c.Resubscribe(s.ctx, s.opts.ResubscribeBase, s.opts.ResubscribeMaxGap); err != nil {
				return
			}
			s.logger.Info("Resubscribed", zap.String("channel", name))
			if name == channelMessages {
				_ = s.Refresh(s.ctx)
			}
		})
	}
}

func (s *Session) setPeerTyping(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerTyping == v {
		return
	}
	s.peerTyping = v
	s.publishLocked()
}

func (s *Session) apply(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(a)
}

func (s *Session) applyLocked(a Action) {
	s.rev++
	if s.loads > 0 {
		s.journal = append(s.journal, journaled{rev: s.rev, action: a})
	}
	s.state = Reduce(s.state, a)
	s.publishLocked()
}

func (s *Session) publishLocked() {
	if len(s.watchers) == 0 {
		return
	}
	v := s.viewLocked()
	for w := range s.watchers {
		w.offer(v)
	}
}

func (s *Session) raise(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raiseLocked(a)
}

func (s *Session) raiseLocked(a Alert) {
	s.logger.Info("Alert raised", zap.String("kind", string(a.Kind)), zap.String("temp_id", a.TempID))
	for w := range s.watchers {
		if !w.alert(a) {
			s.logger.Warn("Alert dropped for slow watcher", zap.String("kind", string(a.Kind)))
		}
	}
}

// viewLocked shares the state's slice and map; Reduce never mutates its input.
func (s *Session) viewLocked() View {
	v := View{
		ConversationID: s.conversationID,
		Messages:       s.state.Messages,
		Status:         s.state.Status,
		PeerTyping:     s.peerTyping,
		Sending:        s.sending > 0,
		Failed:         make([]FailedSend, 0, len(s.failed)),
	}
	if s.networkError != "" {
		msg := s.networkError
		v.NetworkError = &msg
	}
	for _, f := range s.failed {
		v.Failed = append(v.Failed, f)
	}
	sort.Slice(v.Failed, func(i, j int) bool { return v.Failed[i].TempID < v.Failed[j].TempID })
	return v
}
