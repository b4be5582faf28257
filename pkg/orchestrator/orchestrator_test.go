package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketbotio/pocketbot/pkg/attachments"
	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/media"
	"github.com/pocketbotio/pocketbot/pkg/providers"
	"github.com/pocketbotio/pocketbot/pkg/store"
)

type fakeStore struct {
	mu         sync.Mutex
	turns      map[string][]store.Turn
	ensureErr  error
	appendErr  error
	windowErr  error
	clearErr   error
	pruneCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{turns: map[string][]store.Turn{}}
}

func (f *fakeStore) EnsureUser(ctx context.Context, channel, userID, chatID, username string) error {
	return f.ensureErr
}

func (f *fakeStore) Append(ctx context.Context, userKey, role, content string) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns[userKey] = append(f.turns[userKey], store.Turn{Role: role, Content: content})
	return nil
}

func (f *fakeStore) Window(ctx context.Context, userKey string, n int) ([]store.Turn, error) {
	if f.windowErr != nil {
		return nil, f.windowErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.turns[userKey]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]store.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (f *fakeStore) Prune(ctx context.Context, userKey string, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls++
	return 0, nil
}

func (f *fakeStore) Clear(ctx context.Context, userKey string) (int64, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.turns[userKey]))
	delete(f.turns, userKey)
	return n, nil
}

func (f *fakeStore) turnsFor(userKey string) []store.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Turn{}, f.turns[userKey]...)
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   int
	err     error
	answer  string
	history []store.Turn
	delay   time.Duration
}

func (f *fakeInvoker) Invoke(ctx context.Context, history []store.Turn, input *media.ClassifiedInput) (string, error) {
	f.mu.Lock()
	f.calls++
	f.history = append([]store.Turn{}, history...)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	if f.answer != "" {
		return f.answer, nil
	}
	return "model says hi", nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textEvent(userID, text string) *bus.InboundEvent {
	return &bus.InboundEvent{
		EventID: "e-" + userID + "-" + text,
		Channel: "telegram",
		UserID:  userID,
		ChatID:  userID,
		Kind:    bus.KindText,
		Text:    text,
	}
}

func newTestOrchestrator(fs *fakeStore, fi *fakeInvoker) *Orchestrator {
	return New(fs, media.NewResolver(1024), fi, 20, 200)
}

func TestHandle_TextHappyPath(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{answer: "hello, human"}
	o := newTestOrchestrator(fs, fi)

	reply, err := o.Handle(context.Background(), textEvent("7", "hello"), nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "hello, human" {
		t.Errorf("unexpected reply %q", reply.Text)
	}

	turns := fs.turnsFor("telegram:7")
	if len(turns) != 2 {
		t.Fatalf("expected user+assistant turns, got %d", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[0].Content != "hello" {
		t.Errorf("unexpected user turn %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant || turns[1].Content != "hello, human" {
		t.Errorf("unexpected assistant turn %+v", turns[1])
	}
	if fs.pruneCalls != 1 {
		t.Errorf("expected prune after reply, got %d calls", fs.pruneCalls)
	}
}

func TestHandle_HistoryExcludesCurrentTurn(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	o.Handle(context.Background(), textEvent("7", "first"), nil)
	o.Handle(context.Background(), textEvent("7", "second"), nil)

	// On the second call, the model must see the first exchange but not
	// the just-appended "second" turn.
	if len(fi.history) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(fi.history))
	}
	for _, turn := range fi.history {
		if turn.Content == "second" {
			t.Error("current turn must not appear in history")
		}
	}
}

func TestHandle_AppendOutagePropagates(t *testing.T) {
	fs := newFakeStore()
	fs.appendErr = &store.StorageError{Kind: store.KindUnavailable, Op: "append", Err: errors.New("db down")}
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	reply, err := o.Handle(context.Background(), textEvent("7", "hello"), nil)
	if !store.IsUnavailable(err) {
		t.Fatalf("expected storage unavailability to propagate, got reply=%+v err=%v", reply, err)
	}
	if reply != nil {
		t.Error("a failed exchange must not produce a reply")
	}
	if fi.callCount() != 0 {
		t.Error("model must not be called when the user turn cannot be persisted")
	}
}

func TestHandle_EnsureUserOutagePropagates(t *testing.T) {
	fs := newFakeStore()
	fs.ensureErr = &store.StorageError{Kind: store.KindUnavailable, Op: "ensure_user", Err: errors.New("db down")}
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	reply, err := o.Handle(context.Background(), textEvent("7", "hello"), nil)
	if !store.IsUnavailable(err) {
		t.Fatalf("expected storage unavailability to propagate, got reply=%+v err=%v", reply, err)
	}
	if fi.callCount() != 0 {
		t.Error("model must not be called")
	}
}

func TestHandle_WindowOutagePropagates(t *testing.T) {
	fs := newFakeStore()
	fs.windowErr = &store.StorageError{Kind: store.KindUnavailable, Op: "window", Err: errors.New("db down")}
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	_, err := o.Handle(context.Background(), textEvent("7", "hello"), nil)
	if !store.IsUnavailable(err) {
		t.Fatalf("expected storage unavailability to propagate, got %v", err)
	}
	if fi.callCount() != 0 {
		t.Error("model must not be called")
	}
}

func TestHandle_InvalidUserGetsFallback(t *testing.T) {
	fs := newFakeStore()
	fs.ensureErr = &store.StorageError{Kind: store.KindInvalidUser, Op: "ensure_user", Err: errors.New("empty user id")}
	o := newTestOrchestrator(fs, &fakeInvoker{})

	// A malformed identity is a permanent condition; redelivery cannot
	// help, so the user gets a reply and no error escapes.
	reply, err := o.Handle(context.Background(), textEvent("7", "hello"), nil)
	if err != nil {
		t.Fatalf("invalid user must not propagate as retryable, got %v", err)
	}
	if reply.Text != fallbackTechnical {
		t.Errorf("expected technical fallback, got %q", reply.Text)
	}
}

func TestHandle_RejectedKeepsUserTurnOnly(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{err: &providers.AIError{Kind: providers.ErrRejected, Provider: "p", Err: errors.New("refused")}}
	o := newTestOrchestrator(fs, fi)

	reply, _ := o.Handle(context.Background(), textEvent("7", "something"), nil)
	if reply.Text != fallbackRejected {
		t.Errorf("expected rejected fallback, got %q", reply.Text)
	}

	turns := fs.turnsFor("telegram:7")
	if len(turns) != 1 || turns[0].Role != store.RoleUser {
		t.Fatalf("expected only the user turn persisted, got %+v", turns)
	}
}

func TestHandle_TransientFailureFallback(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{err: &providers.AIError{Kind: providers.ErrTransient, Provider: "p", Err: errors.New("timeout")}}
	o := newTestOrchestrator(fs, fi)

	reply, _ := o.Handle(context.Background(), textEvent("7", "hi"), nil)
	if reply.Text != fallbackTechnical {
		t.Errorf("expected technical fallback, got %q", reply.Text)
	}
}

type failingFetcher struct{}

func (failingFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return nil, errors.New("network down")
}

func TestHandle_MediaUnreachableLeavesNoTurns(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	ev := &bus.InboundEvent{
		EventID: "e1", Channel: "telegram", UserID: "7", ChatID: "7",
		Kind: bus.KindImage, MediaRef: "file-1",
	}
	reply, _ := o.Handle(context.Background(), ev, failingFetcher{})
	if reply.Text != fallbackUnreachable {
		t.Errorf("expected unreachable fallback, got %q", reply.Text)
	}
	if len(fs.turnsFor("telegram:7")) != 0 {
		t.Error("no turns may be persisted when media cannot be fetched")
	}
	if fi.callCount() != 0 {
		t.Error("model must not be called")
	}
}

func TestHandle_UnsupportedKind(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	ev := &bus.InboundEvent{
		EventID: "e1", Channel: "telegram", UserID: "7", ChatID: "7",
		Kind: bus.KindUnknown,
	}
	reply, _ := o.Handle(context.Background(), ev, nil)
	if reply.Text != fallbackUnsupported {
		t.Errorf("expected unsupported fallback, got %q", reply.Text)
	}
}

func TestHandle_ImageSummaryPersisted(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{answer: "a cat"}
	o := newTestOrchestrator(fs, fi)

	ev := &bus.InboundEvent{
		EventID: "e1", Channel: "telegram", UserID: "7", ChatID: "7",
		Kind: bus.KindImage, MediaRef: "f", Text: "what breed?",
	}
	o.Handle(context.Background(), ev, &staticFetcher{data: []byte{1}})

	turns := fs.turnsFor("telegram:7")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Content != "[image] what breed?" {
		t.Errorf("expected textual image summary, got %q", turns[0].Content)
	}
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeArchive) Save(channel, chatID, userID, eventID, name, mimeType, kind string, data []byte) (attachments.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, name)
	return attachments.Record{ID: "att_test", Name: name}, nil
}

func TestHandle_MediaArchived(t *testing.T) {
	fs := newFakeStore()
	o := newTestOrchestrator(fs, &fakeInvoker{})
	archive := &fakeArchive{}
	o.SetArchive(archive)

	ev := &bus.InboundEvent{
		EventID: "e1", Channel: "telegram", UserID: "7", ChatID: "7",
		Kind: bus.KindFile, MediaRef: "f", Filename: "doc.pdf", MimeType: "application/pdf",
	}
	o.Handle(context.Background(), ev, &staticFetcher{data: []byte("pdf")})

	if len(archive.saved) != 1 || archive.saved[0] != "doc.pdf" {
		t.Errorf("expected media archived, got %v", archive.saved)
	}

	// Text messages carry no payload to archive.
	o.Handle(context.Background(), textEvent("7", "hi"), nil)
	if len(archive.saved) != 1 {
		t.Errorf("text must not be archived, got %v", archive.saved)
	}
}

type staticFetcher struct{ data []byte }

func (f *staticFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return f.data, nil
}

func TestHandle_Commands(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{}
	o := newTestOrchestrator(fs, fi)

	reply, _ := o.Handle(context.Background(), textEvent("7", "/start"), nil)
	if !strings.Contains(reply.Text, "/help") {
		t.Errorf("unexpected /start reply %q", reply.Text)
	}

	reply, _ = o.Handle(context.Background(), textEvent("7", "/help"), nil)
	if !strings.Contains(reply.Text, "/clear") {
		t.Errorf("unexpected /help reply %q", reply.Text)
	}

	o.Handle(context.Background(), textEvent("7", "remember me"), nil)
	if len(fs.turnsFor("telegram:7")) == 0 {
		t.Fatal("expected turns before clear")
	}
	reply, _ = o.Handle(context.Background(), textEvent("7", "/clear"), nil)
	if reply.Text != clearedText {
		t.Errorf("unexpected /clear reply %q", reply.Text)
	}
	if len(fs.turnsFor("telegram:7")) != 0 {
		t.Error("expected history gone after /clear")
	}

	reply, _ = o.Handle(context.Background(), textEvent("7", "/bogus"), nil)
	if !strings.Contains(reply.Text, "Unknown command") {
		t.Errorf("unexpected reply %q", reply.Text)
	}
	if fi.callCount() != 1 {
		t.Errorf("only the non-command message may reach the model, got %d calls", fi.callCount())
	}
}

func TestHandle_CommandWithBotMention(t *testing.T) {
	fs := newFakeStore()
	o := newTestOrchestrator(fs, &fakeInvoker{})

	reply, _ := o.Handle(context.Background(), textEvent("7", "/clear@my_bot"), nil)
	if reply.Text != clearedText {
		t.Errorf("expected mention-suffixed command recognized, got %q", reply.Text)
	}
}

func TestHandle_SameUserSerialized(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{delay: 20 * time.Millisecond}
	o := newTestOrchestrator(fs, fi)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o.Handle(context.Background(), textEvent("7", "msg"), nil)
		}(i)
	}
	wg.Wait()

	// Serialized processing yields strictly alternating roles.
	turns := fs.turnsFor("telegram:7")
	if len(turns) != 8 {
		t.Fatalf("expected 8 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := store.RoleUser
		if i%2 == 1 {
			want = store.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d: expected role %s, got %s", i, want, turn.Role)
		}
	}
}

func TestHandle_LockMapShedsIdleUsers(t *testing.T) {
	fs := newFakeStore()
	fi := &fakeInvoker{delay: 5 * time.Millisecond}
	o := newTestOrchestrator(fs, fi)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				o.Handle(context.Background(), textEvent(user, "msg"), nil)
			}(string(rune('a' + i)))
		}
	}
	wg.Wait()

	o.mu.Lock()
	remaining := len(o.locks)
	o.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected no lock entries after processing, got %d", remaining)
	}
}
