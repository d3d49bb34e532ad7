package dm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/hub"
	"github.com/horizon/dm-app/internal/message"
	"github.com/horizon/dm-app/internal/protocol"
)

type recordingChannel struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingChannel) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return true
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) pushed(t *testing.T) []message.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]message.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var ev protocol.NewMessageMsg
		require.NoError(t, json.Unmarshal(f, &ev))
		require.Equal(t, protocol.TypeNewMessage, ev.Type)
		out = append(out, ev.Message)
	}
	return out
}

type failingStore struct {
	message.Store
	err error
}

func (s failingStore) Append(context.Context, *message.Message) error { return s.err }

func (s failingStore) ListBetween(context.Context, string, string) ([]message.Message, error) {
	return nil, s.err
}

type denyLimiter struct{ calls int }

func (l *denyLimiter) Allow(context.Context, string) (bool, error) {
	l.calls++
	return false, nil
}

type recordingPublisher struct {
	msgs []message.Message
	err  error
}

func (p *recordingPublisher) PublishMessageCreated(msg message.Message) error {
	p.msgs = append(p.msgs, msg)
	return p.err
}

type staticPresence map[string]bool

func (p staticPresence) Online(_ context.Context, ids ...string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		out[id] = p[id]
	}
	return out, nil
}

type fixture struct {
	svc   *Service
	store *message.MemoryStore
	hub   *hub.Hub
	deps  Deps
}

func seedUsers() []directory.User {
	return []directory.User{
		{ID: "1", FullName: "Alice Anders", CurrentCompany: "Acme"},
		{ID: "2", FullName: "Bob Alvarez", CurrentCompany: "Initech"},
		{ID: "3", FullName: "Carol Chen", CurrentCompany: "Globalink"},
		{ID: "4", FullName: "Albert Zed", CurrentCompany: "Umbrella"},
		{ID: "5", FullName: "Dave Diaz", CurrentCompany: "Hooli"},
	}
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	dir := directory.NewMemoryDirectory(seedUsers()...)
	index := directory.NewIndex(dir, 0)
	require.NoError(t, index.Refresh(context.Background()))

	store := message.NewMemoryStore()
	h := hub.New()
	deps := Deps{Store: store, Directory: dir, Index: index, Hub: h}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{svc: NewService(DefaultConfig(), deps), store: store, hub: h, deps: deps}
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *dm.Error, got %T", err)
	require.Equal(t, code, e.Code)
}

func TestSendMessageAppearsLastInHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		_, err := f.svc.SendMessage(ctx, "1", "2", fmt.Sprintf("warmup %d", i))
		req.NoError(err)
	}

	sent, err := f.svc.SendMessage(ctx, "2", "1", "latest")
	req.NoError(err)
	req.NotEqual("", sent.ID.String())
	req.False(sent.CreatedAt.IsZero())

	history, err := f.svc.GetHistory(ctx, "2", "1")
	req.NoError(err)
	req.Len(history, 4)
	req.Equal(sent, history[len(history)-1])

	for i := 1; i < len(history); i++ {
		req.True(message.Less(history[i-1], history[i]), "history out of order at %d", i)
	}
}

func TestConversationScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.SendMessage(ctx, "1", "2", "hi")
	req.NoError(err)
	_, err = f.svc.SendMessage(ctx, "2", "1", "hello")
	req.NoError(err)

	for _, pair := range [][2]string{{"1", "2"}, {"2", "1"}} {
		history, err := f.svc.GetHistory(ctx, pair[0], pair[1])
		req.NoError(err)
		req.Len(history, 2)
		req.Equal("1", history[0].SenderID)
		req.Equal("2", history[0].ReceiverID)
		req.Equal("hi", history[0].Body)
		req.Equal("2", history[1].SenderID)
		req.Equal("1", history[1].ReceiverID)
		req.Equal("hello", history[1].Body)
	}
}

func TestSendMessageValidation(t *testing.T) {
	tests := []struct {
		name     string
		receiver string
		body     string
		code     ErrorCode
	}{
		{name: "empty body", receiver: "2", body: "", code: ErrorEmptyBody},
		{name: "whitespace body", receiver: "2", body: " \t\n ", code: ErrorEmptyBody},
		{name: "too many characters", receiver: "2", body: strings.Repeat("é", 2001), code: ErrorBodyTooLong},
		{name: "too many bytes", receiver: "2", body: strings.Repeat("a", 4097), code: ErrorBodyTooLong},
		{name: "invalid utf8", receiver: "2", body: "bad \xff", code: ErrorInvalidBody},
		{name: "unknown recipient", receiver: "404", body: "hi", code: ErrorInvalidRecipient},
		{name: "missing recipient", receiver: "", body: "hi", code: ErrorInvalidRecipient},
		{name: "self message", receiver: "1", body: "hi", code: ErrorSelfMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ch := &recordingChannel{}
			f.hub.Register("2", ch)

			_, err := f.svc.SendMessage(context.Background(), "1", tt.receiver, tt.body)
			requireCode(t, err, tt.code)
			assert.Equal(t, KindValidation, Kind(CodeOf(err)))
			assert.Zero(t, f.store.Len(), "store must be unchanged")
			assert.Empty(t, ch.pushed(t))
		})
	}
}

func TestSendMessagePushesOnceToOnlineReceiver(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	receiver := &recordingChannel{}
	sender := &recordingChannel{}
	f.hub.Register("2", receiver)
	f.hub.Register("1", sender)

	sent, err := f.svc.SendMessage(context.Background(), "1", "2", "hi")
	req.NoError(err)

	pushed := receiver.pushed(t)
	req.Len(pushed, 1)
	req.Equal(sent.ID, pushed[0].ID)
	req.Equal(sent.Body, pushed[0].Body)
	req.Equal(sent.SenderID, pushed[0].SenderID)
	req.True(sent.CreatedAt.Equal(pushed[0].CreatedAt))
	req.Empty(sender.pushed(t), "the sender is not pushed its own message")
}

func TestSendMessageToOfflineReceiverSucceeds(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	bystander := &recordingChannel{}
	f.hub.Register("3", bystander)

	sent, err := f.svc.SendMessage(context.Background(), "1", "2", "are you there?")
	req.NoError(err)
	req.Equal(1, f.store.Len())
	req.Empty(bystander.pushed(t))

	history, err := f.svc.GetHistory(context.Background(), "1", "2")
	req.NoError(err)
	req.Equal([]message.Message{sent}, history)
}

func TestSendMessageStoreFailureSkipsPush(t *testing.T) {
	storeErr := errors.New("connection refused")
	f := newFixture(t, func(d *Deps) { d.Store = failingStore{err: storeErr} })
	ch := &recordingChannel{}
	f.hub.Register("2", ch)

	_, err := f.svc.SendMessage(context.Background(), "1", "2", "hi")
	requireCode(t, err, ErrorStoreUnavailable)
	assert.Equal(t, KindTransient, Kind(CodeOf(err)))
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, ch.pushed(t))
}

func TestSendMessageRateLimited(t *testing.T) {
	limiter := &denyLimiter{}
	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })

	_, err := f.svc.SendMessage(context.Background(), "1", "2", "hi")
	requireCode(t, err, ErrorRateLimited)
	assert.Equal(t, KindRateLimited, Kind(CodeOf(err)))
	assert.Equal(t, 1, limiter.calls)
	assert.Zero(t, f.store.Len())

	// Rejected input never consumes a slot.
	_, err = f.svc.SendMessage(context.Background(), "1", "2", "  ")
	requireCode(t, err, ErrorEmptyBody)
	assert.Equal(t, 1, limiter.calls)
}

func TestSendMessagePublishesEvent(t *testing.T) {
	req := require.New(t)
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	f := newFixture(t, func(d *Deps) { d.Publisher = pub })

	sent, err := f.svc.SendMessage(context.Background(), "1", "2", "hi")
	req.NoError(err, "publish failures never fail the send")
	req.Equal([]message.Message{sent}, pub.msgs)
}

func TestConcurrentSendsPushEachOnce(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ch := &recordingChannel{}
	f.hub.Register("2", ch)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SendMessage(context.Background(), "1", "2", fmt.Sprintf("msg %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := f.svc.GetHistory(context.Background(), "1", "2")
	req.NoError(err)
	req.Len(history, n)

	pushed := ch.pushed(t)
	req.Len(pushed, n)
	seen := map[string]bool{}
	for _, m := range pushed {
		req.False(seen[m.ID.String()], "message %s pushed twice", m.ID)
		seen[m.ID.String()] = true
	}
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	history, err := f.svc.GetHistory(ctx, "1", "3")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	_, err = f.svc.GetHistory(ctx, "1", "404")
	requireCode(t, err, ErrorNotFound)
	assert.Equal(t, KindNotFound, Kind(CodeOf(err)))

	f = newFixture(t, func(d *Deps) { d.Store = failingStore{err: errors.New("timeout")} })
	_, err = f.svc.GetHistory(ctx, "1", "2")
	requireCode(t, err, ErrorStoreUnavailable)
}

func TestSearchUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.SearchUsers(ctx, "", "a")
	requireCode(t, err, ErrorQueryTooShort)
	assert.Equal(t, KindValidation, Kind(CodeOf(err)))

	_, err = f.svc.SearchUsers(ctx, "", "  a  ")
	requireCode(t, err, ErrorQueryTooShort)

	results, err := f.svc.SearchUsers(ctx, "", "AL")
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "1", "2", "3"}, ids(results))

	results, err = f.svc.SearchUsers(ctx, "1", "al")
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "2", "3"}, ids(results), "the caller is excluded")

	results, err = f.svc.SearchUsers(ctx, "", "zzz")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchUsersCapsResults(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	for i := 0; i < 30; i++ {
		dir.Put(directory.User{ID: fmt.Sprintf("u%02d", i), FullName: fmt.Sprintf("Sam %02d", i)})
	}
	index := directory.NewIndex(dir, 0)
	require.NoError(t, index.Refresh(context.Background()))

	svc := NewService(DefaultConfig(), Deps{Store: message.NewMemoryStore(), Directory: dir, Index: index, Hub: hub.New()})
	results, err := svc.SearchUsers(context.Background(), "", "sam")
	require.NoError(t, err)
	assert.Len(t, results, DefaultMaxSearchResults)
	assert.Equal(t, "u00", results[0].ID)
}

func TestSearchUsersMarksOnline(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Presence = staticPresence{"2": true} })

	results, err := f.svc.SearchUsers(context.Background(), "", "al")
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, r.ID == "2", r.Online, "user %s", r.ID)
	}
}

func TestOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.svc.deps.Presence = HubPresence{Hub: f.hub}
	f.hub.Register("2", &recordingChannel{})

	online, err := f.svc.Online(ctx, "2")
	require.NoError(t, err)
	assert.True(t, online)

	online, err = f.svc.Online(ctx, "3")
	require.NoError(t, err)
	assert.False(t, online)

	_, err = f.svc.Online(ctx, "404")
	requireCode(t, err, ErrorNotFound)
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)

	for _, sender := range []string{"1", "1", "3"} {
		_, err := f.svc.SendMessage(ctx, sender, "2", "ping")
		req.NoError(err)
	}

	counts, err := f.svc.UnreadCounts(ctx, "2")
	req.NoError(err)
	req.Equal(map[string]int{"1": 2, "3": 1}, counts)

	req.NoError(f.svc.MarkRead(ctx, "2", "1"))
	counts, err = f.svc.UnreadCounts(ctx, "2")
	req.NoError(err)
	req.Equal(map[string]int{"3": 1}, counts)

	counts, err = f.svc.UnreadCounts(ctx, "1")
	req.NoError(err)
	req.NotNil(counts)
	req.Empty(counts)
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrorStoreUnavailable, "retry", errors.New("boom"))
	assert.Equal(t, "dm: STORE_UNAVAILABLE (retry): boom", err.Error())
	assert.Equal(t, "dm: NOT_FOUND (gone)", newError(ErrorNotFound, "gone", nil).Error())
	assert.Equal(t, ErrorInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, KindInternal, Kind(ErrorInternal))
	assert.Equal(t, KindTransient, err.Kind())
}

func ids(results []directory.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}
