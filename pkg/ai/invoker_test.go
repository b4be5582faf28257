package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pocketbotio/pocketbot/pkg/media"
	"github.com/pocketbotio/pocketbot/pkg/providers"
	"github.com/pocketbotio/pocketbot/pkg/store"
)

type scriptedProvider struct {
	calls   int
	results []error
	reply   *providers.Reply
	lastReq *providers.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Reply, error) {
	p.lastReq = req
	idx := p.calls
	p.calls++
	if idx < len(p.results) && p.results[idx] != nil {
		return nil, p.results[idx]
	}
	if p.reply != nil {
		return p.reply, nil
	}
	return &providers.Reply{Text: "ok", Model: req.Model}, nil
}

type recordedUsage struct {
	provider, model string
	in, out         int
	calls           int
}

func (r *recordedUsage) Record(provider, model string, in, out int) {
	r.provider, r.model, r.in, r.out = provider, model, in, out
	r.calls++
}

func testOpts() Options {
	return Options{
		Model:       "text-model",
		VisionModel: "vision-model",
		MaxRetries:  2,
		Backoff:     time.Millisecond,
	}
}

func transientErr() error {
	return &providers.AIError{Kind: providers.ErrTransient, Provider: "scripted", Err: errors.New("boom")}
}

func rejectedErr() error {
	return &providers.AIError{Kind: providers.ErrRejected, Provider: "scripted", Err: errors.New("nope")}
}

func TestInvoke_Success(t *testing.T) {
	p := &scriptedProvider{reply: &providers.Reply{Text: "hello!", Model: "text-model", InputTokens: 10, OutputTokens: 3}}
	u := &recordedUsage{}
	iv := NewInvoker(p, testOpts(), u)

	history := []store.Turn{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hey"},
	}
	out, err := iv.Invoke(context.Background(), history, &media.ClassifiedInput{Kind: media.InputText, Text: "how are you?"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "hello!" {
		t.Errorf("unexpected reply %q", out)
	}
	if len(p.lastReq.Messages) != 3 {
		t.Fatalf("expected history + current = 3 messages, got %d", len(p.lastReq.Messages))
	}
	if p.lastReq.Messages[2].Text != "how are you?" {
		t.Errorf("current turn must be last, got %q", p.lastReq.Messages[2].Text)
	}
	if p.lastReq.Model != "text-model" {
		t.Errorf("expected text model, got %q", p.lastReq.Model)
	}
	if u.calls != 1 || u.in != 10 || u.out != 3 {
		t.Errorf("usage not recorded: %+v", u)
	}
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	p := &scriptedProvider{results: []error{transientErr(), transientErr(), nil}}
	iv := NewInvoker(p, testOpts(), nil)

	out, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{Kind: media.InputText, Text: "x"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "ok" {
		t.Errorf("unexpected reply %q", out)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls)
	}
}

func TestInvoke_GivesUpAfterMaxRetries(t *testing.T) {
	p := &scriptedProvider{results: []error{transientErr(), transientErr(), transientErr(), transientErr()}}
	iv := NewInvoker(p, testOpts(), nil)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{Kind: media.InputText, Text: "x"})
	if !providers.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("expected initial attempt + 2 retries = 3 calls, got %d", p.calls)
	}
}

func TestInvoke_RejectedIsNotRetried(t *testing.T) {
	p := &scriptedProvider{results: []error{rejectedErr()}}
	u := &recordedUsage{}
	iv := NewInvoker(p, testOpts(), u)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{Kind: media.InputText, Text: "x"})
	if !providers.IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if p.calls != 1 {
		t.Errorf("rejected must not retry, got %d calls", p.calls)
	}
	if u.calls != 0 {
		t.Error("usage must not be recorded on failure")
	}
}

func TestInvoke_ImageUsesVisionModel(t *testing.T) {
	p := &scriptedProvider{}
	iv := NewInvoker(p, testOpts(), nil)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{
		Kind:     media.InputImage,
		Data:     []byte{1},
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.lastReq.Model != "vision-model" {
		t.Errorf("expected vision model, got %q", p.lastReq.Model)
	}
	cur := p.lastReq.Messages[len(p.lastReq.Messages)-1]
	if len(cur.Data) == 0 || cur.MimeType != "image/png" {
		t.Errorf("image bytes must pass through, got %+v", cur)
	}
	if cur.Text == "" {
		t.Error("captionless image needs a default instruction")
	}
}

func TestInvoke_TextFileEmbedded(t *testing.T) {
	p := &scriptedProvider{}
	iv := NewInvoker(p, testOpts(), nil)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{
		Kind:     media.InputFile,
		Filename: "notes.txt",
		MimeType: "text/plain",
		Data:     []byte("important notes"),
		Text:     "summarize this",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.lastReq.Model != "text-model" {
		t.Errorf("text file must not use vision model, got %q", p.lastReq.Model)
	}
	cur := p.lastReq.Messages[0]
	if !strings.Contains(cur.Text, "important notes") {
		t.Errorf("file contents must be embedded, got %q", cur.Text)
	}
	if !strings.Contains(cur.Text, "summarize this") {
		t.Errorf("caption must be preserved, got %q", cur.Text)
	}
	if len(cur.Data) != 0 {
		t.Error("text file bytes must not be sent inline")
	}
}

func TestInvoke_ImageDocumentUsesVisionModel(t *testing.T) {
	p := &scriptedProvider{}
	iv := NewInvoker(p, testOpts(), nil)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{
		Kind:     media.InputFile,
		Filename: "scan.png",
		MimeType: "image/png",
		Data:     []byte{9},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.lastReq.Model != "vision-model" {
		t.Errorf("image document must use vision model, got %q", p.lastReq.Model)
	}
}

func TestInvoke_OpaqueFileDescribedGenerically(t *testing.T) {
	p := &scriptedProvider{}
	iv := NewInvoker(p, testOpts(), nil)

	_, err := iv.Invoke(context.Background(), nil, &media.ClassifiedInput{
		Kind:     media.InputFile,
		Filename: "archive.zip",
		MimeType: "application/zip",
		Data:     []byte{0x50, 0x4b},
	})
	if err != nil {
		t.Fatal(err)
	}
	cur := p.lastReq.Messages[0]
	if !strings.Contains(cur.Text, "archive.zip") {
		t.Errorf("opaque file prompt must name the file, got %q", cur.Text)
	}
	if len(cur.Data) != 0 {
		t.Error("opaque file bytes must not be sent inline")
	}
}

func TestInvoke_ContextCancelledDuringBackoff(t *testing.T) {
	p := &scriptedProvider{results: []error{transientErr(), transientErr(), transientErr()}}
	opts := testOpts()
	opts.Backoff = time.Hour
	iv := NewInvoker(p, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := iv.Invoke(ctx, nil, &media.ClassifiedInput{Kind: media.InputText, Text: "x"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if p.calls != 1 {
		t.Errorf("expected single attempt before cancel, got %d", p.calls)
	}
}
