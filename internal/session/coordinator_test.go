package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/chatcore/internal/chat"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/store"
	"github.com/felipepmaragno/chatcore/internal/tools"
)

type runnerFunc func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result

func (f runnerFunc) Run(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
	return f(ctx, req, observe)
}

// turnDriver applies events the way the orchestrator does.
type turnDriver struct {
	st      chat.TurnState
	observe chat.Observer
}

func newDriver(observe chat.Observer) *turnDriver {
	d := &turnDriver{st: chat.NewTurnState(5), observe: observe}
	observe(d.st)
	return d
}

func (d *turnDriver) apply(ev chat.Event) {
	d.st = chat.Transition(d.st, ev)
	d.observe(d.st)
}

func (d *turnDriver) result() chat.Result {
	return chat.Result{State: d.st}
}

// echoRunner answers with "<model>: <prompt>" in two deltas.
func echoRunner() runnerFunc {
	return func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		d := newDriver(observe)
		d.apply(chat.EventStart{})
		d.apply(chat.EventDelta{Text: req.Model + ": "})
		d.apply(chat.EventDelta{Text: req.Prompt})
		d.apply(chat.EventStreamEnd{})
		return d.result()
	}
}

// blockingRunner streams "partial", signals started, then waits for
// cancellation. After cancellation it waits for unblock and then keeps
// observing, like a late network callback.
type blockingRunner struct {
	started chan string
	unblock chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 4), unblock: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
	d := newDriver(observe)
	d.apply(chat.EventStart{})
	d.apply(chat.EventDelta{Text: "partial"})
	b.started <- req.ConversationID

	<-ctx.Done()
	<-b.unblock
	d.apply(chat.EventDelta{Text: " late"})
	d.apply(chat.EventCancel{})
	return chat.Result{State: d.st, Err: ctx.Err()}
}

func newTestCoordinator(t *testing.T, runner TurnRunner) (*Coordinator, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore(10)
	return NewCoordinator(st, runner), st
}

func mustCreate(t *testing.T, c *Coordinator, model string) string {
	t.Helper()
	conv, err := c.CreateConversation(context.Background(), CreateRequest{Model: model})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv.ID
}

func lastTurn(t *testing.T, st store.Store, id string) domain.Turn {
	t.Helper()
	conv, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(conv.Turns) == 0 {
		t.Fatal("conversation has no turns")
	}
	return conv.Turns[len(conv.Turns)-1]
}

func TestCreateConversation(t *testing.T) {
	c, _ := newTestCoordinator(t, echoRunner())

	conv, err := c.CreateConversation(context.Background(), CreateRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if conv.ID == "" || conv.Title != defaultTitle {
		t.Errorf("conversation = %+v", conv)
	}

	if _, err := c.CreateConversation(context.Background(), CreateRequest{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing model error = %v", err)
	}
}

func TestSend(t *testing.T) {
	c, st := newTestCoordinator(t, echoRunner())
	id := mustCreate(t, c, "gpt-4o")

	var (
		mu     sync.Mutex
		events []Event
	)
	res, err := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "hello"}, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if res.State != chat.StateComplete || res.Turn.Content != "gpt-4o: hello" || res.Turn.Pending {
		t.Errorf("result = %+v", res)
	}
	if res.Generation != 1 {
		t.Errorf("Generation = %d, want 1", res.Generation)
	}

	conv, _ := st.Get(context.Background(), id)
	if len(conv.Turns) != 2 || conv.Turns[0].Role != domain.RoleUser || conv.Turns[0].Content != "hello" {
		t.Fatalf("turns = %+v", conv.Turns)
	}
	if got := conv.Turns[1]; got.Content != "gpt-4o: hello" || got.Pending || got.Error || got.Model != "gpt-4o" {
		t.Errorf("assistant turn = %+v", got)
	}

	if len(events) == 0 || !events[0].Turn.Pending || events[len(events)-1].State != chat.StateComplete {
		t.Errorf("events = %+v", events)
	}

	res, _ = c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "again", Model: "o1"}, nil)
	if res.Generation != 2 || res.Turn.Content != "o1: again" {
		t.Errorf("second result = %+v", res)
	}
}

func TestSend_PassesHistoryAndTools(t *testing.T) {
	var got chat.Request
	runner := runnerFunc(func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		got = req
		return echoRunner()(ctx, req, observe)
	})
	st := store.NewInMemoryStore(10)
	c := NewCoordinator(st, runner, WithToolCredentials(tools.Credentials{SearchAPIKey: "brave"}))
	conv, _ := c.CreateConversation(context.Background(), CreateRequest{Model: "m", SystemPrompt: "sys"})

	c.Send(context.Background(), SendRequest{ConversationID: conv.ID, Prompt: "one", Credential: "tok"}, nil)
	c.Send(context.Background(), SendRequest{ConversationID: conv.ID, Prompt: "two", Credential: "tok"}, nil)

	if got.SystemPrompt != "sys" || got.Prompt != "two" || got.Credential != "tok" {
		t.Errorf("request = %+v", got)
	}
	if got.Tools.SearchAPIKey != "brave" {
		t.Error("tool credentials not forwarded")
	}
	if len(got.History) != 2 || got.History[1].Content != "m: one" {
		t.Errorf("history = %+v", got.History)
	}
}

func TestSend_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t, echoRunner())

	if _, err := c.Send(context.Background(), SendRequest{ConversationID: "missing", Prompt: "x"}, nil); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("missing conversation error = %v", err)
	}
	id := mustCreate(t, c, "m")
	if _, err := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "  "}, nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty prompt error = %v", err)
	}
}

func TestSend_BusyConversation(t *testing.T) {
	runner := newBlockingRunner()
	c, _ := newTestCoordinator(t, runner)
	busy := mustCreate(t, c, "m")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), SendRequest{ConversationID: busy, Prompt: "first"}, nil)
	}()
	<-runner.started

	_, err := c.Send(context.Background(), SendRequest{ConversationID: busy, Prompt: "second"}, nil)
	if !errors.Is(err, domain.ErrConversationBusy) {
		t.Errorf("Send() on busy conversation error = %v", err)
	}
	if err := c.DeleteConversation(context.Background(), busy); !errors.Is(err, domain.ErrConversationBusy) {
		t.Errorf("DeleteConversation() on busy conversation error = %v", err)
	}

	close(runner.unblock)
	c.StopConversation(busy)
	<-done
}

func TestSend_OtherConversationsRunConcurrently(t *testing.T) {
	blocking := newBlockingRunner()
	runner := runnerFunc(func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		if req.Prompt == "block" {
			return blocking.Run(ctx, req, observe)
		}
		return echoRunner()(ctx, req, observe)
	})
	c, _ := newTestCoordinator(t, runner)
	a := mustCreate(t, c, "m")
	b := mustCreate(t, c, "m")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), SendRequest{ConversationID: a, Prompt: "block"}, nil)
	}()
	<-blocking.started

	res, err := c.Send(context.Background(), SendRequest{ConversationID: b, Prompt: "free"}, nil)
	if err != nil || res.State != chat.StateComplete {
		t.Errorf("Send() on other conversation = %+v, %v", res, err)
	}

	close(blocking.unblock)
	c.Stop()
	<-done
}

func TestStopConversation_KeepsAccumulatedContent(t *testing.T) {
	runner := newBlockingRunner()
	c, st := newTestCoordinator(t, runner)
	id := mustCreate(t, c, "m")

	resCh := make(chan *TurnResult, 1)
	go func() {
		res, _ := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "p"}, nil)
		resCh <- res
	}()
	<-runner.started

	if !c.StopConversation(id) {
		t.Fatal("StopConversation() = false")
	}

	turn := lastTurn(t, st, id)
	if turn.Pending || turn.Error || turn.Content != "partial" {
		t.Errorf("turn after stop = %+v", turn)
	}

	close(runner.unblock)
	res := <-resCh
	if res.State != chat.StateCancelled || res.Turn.Content != "partial" {
		t.Errorf("result = %+v", res)
	}
	if turn := lastTurn(t, st, id); turn.Content != "partial" {
		t.Errorf("late callback overwrote the stopped turn: %+v", turn)
	}

	if c.StopConversation(id) {
		t.Error("StopConversation() on idle conversation = true")
	}
}

func TestStaleGenerationIsDiscarded(t *testing.T) {
	blocking := newBlockingRunner()
	runner := runnerFunc(func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		if req.Generation == 1 {
			return blocking.Run(ctx, req, observe)
		}
		return echoRunner()(ctx, req, observe)
	})
	c, st := newTestCoordinator(t, runner)
	id := mustCreate(t, c, "m")

	oldDone := make(chan struct{})
	go func() {
		defer close(oldDone)
		c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "old"}, nil)
	}()
	<-blocking.started
	c.StopConversation(id)

	res, err := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "new"}, nil)
	if err != nil {
		t.Fatalf("Send() after stop error = %v", err)
	}
	if res.Generation != 2 {
		t.Errorf("Generation = %d, want 2", res.Generation)
	}

	close(blocking.unblock)
	<-oldDone

	conv, _ := st.Get(context.Background(), id)
	if len(conv.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(conv.Turns))
	}
	if conv.Turns[1].Content != "partial" {
		t.Errorf("old turn = %+v", conv.Turns[1])
	}
	if conv.Turns[3].Content != "m: new" || conv.Turns[3].Pending {
		t.Errorf("new turn = %+v", conv.Turns[3])
	}
}

func TestStop_CancelsEveryTurn(t *testing.T) {
	runner := newBlockingRunner()
	c, st := newTestCoordinator(t, runner)
	a := mustCreate(t, c, "m")
	b := mustCreate(t, c, "m")

	var wg sync.WaitGroup
	for _, id := range []string{a, b} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "p"}, nil)
		}(id)
	}
	<-runner.started
	<-runner.started

	if n := c.Stop(); n != 2 {
		t.Errorf("Stop() = %d, want 2", n)
	}
	if len(c.Active()) != 0 {
		t.Errorf("Active() = %v", c.Active())
	}
	close(runner.unblock)
	wg.Wait()

	for _, id := range []string{a, b} {
		if turn := lastTurn(t, st, id); turn.Pending {
			t.Errorf("%s still pending", id)
		}
	}
}

func TestCompare(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		d := newDriver(observe)
		d.apply(chat.EventStart{})
		if req.Model == "broken" {
			d.apply(chat.EventFail{Err: &domain.UpstreamError{Status: 400, Message: "unsupported"}})
			return d.result()
		}
		d.apply(chat.EventDelta{Text: req.Model})
		d.apply(chat.EventStreamEnd{})
		return d.result()
	})
	c, st := newTestCoordinator(t, runner)
	left := mustCreate(t, c, "m")
	right := mustCreate(t, c, "m")

	var mu sync.Mutex
	seen := map[string]bool{}
	results, err := c.Compare(context.Background(), CompareRequest{
		Prompt: "same prompt",
		Left:   Target{ConversationID: left, Model: "gpt-4o"},
		Right:  Target{ConversationID: right, Model: "broken"},
	}, func(e Event) {
		mu.Lock()
		seen[e.ConversationID] = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	if results[0].State != chat.StateComplete || results[0].Turn.Content != "gpt-4o" {
		t.Errorf("left = %+v", results[0])
	}
	if results[1].State != chat.StateFailed || !results[1].Turn.Error {
		t.Errorf("right = %+v", results[1])
	}
	if !seen[left] || !seen[right] {
		t.Errorf("events seen for %v", seen)
	}

	for _, id := range []string{left, right} {
		conv, _ := st.Get(context.Background(), id)
		if conv.Turns[0].Content != "same prompt" {
			t.Errorf("%s user turn = %+v", id, conv.Turns[0])
		}
	}
}

func TestCompare_Validation(t *testing.T) {
	runner := newBlockingRunner()
	c, _ := newTestCoordinator(t, runner)
	a := mustCreate(t, c, "m")
	b := mustCreate(t, c, "m")

	_, err := c.Compare(context.Background(), CompareRequest{Prompt: "p", Left: Target{ConversationID: a}, Right: Target{ConversationID: a}}, nil)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("same conversation error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(context.Background(), SendRequest{ConversationID: b, Prompt: "p"}, nil)
	}()
	<-runner.started

	_, err = c.Compare(context.Background(), CompareRequest{Prompt: "p", Left: Target{ConversationID: a}, Right: Target{ConversationID: b}}, nil)
	if !errors.Is(err, domain.ErrConversationBusy) {
		t.Errorf("busy compare error = %v", err)
	}
	if active := c.Active(); len(active) != 1 || active[0] != b {
		t.Errorf("left slot leaked: %v", active)
	}

	close(runner.unblock)
	c.Stop()
	<-done
}

func TestRecoverPending(t *testing.T) {
	c, st := newTestCoordinator(t, echoRunner())
	id := mustCreate(t, c, "m")
	st.Append(context.Background(), id,
		domain.Turn{Role: domain.RoleUser, Content: "p"},
		domain.Turn{Role: domain.RoleAssistant, Content: "half", Pending: true},
	)

	n, err := c.RecoverPending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverPending() = %d, %v", n, err)
	}
	if turn := lastTurn(t, st, id); turn.Pending || turn.Content != "half" {
		t.Errorf("turn = %+v", turn)
	}

	if _, err := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "next"}, nil); err != nil {
		t.Errorf("Send() after recovery error = %v", err)
	}
}

// sseStreamer serves scripted bodies in the upstream wire format.
type sseStreamer struct {
	mu     sync.Mutex
	bodies []string
}

func (s *sseStreamer) OpenStream(ctx context.Context, credential string, req domain.ChatRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return nil, errors.New("no scripted body")
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

type stubSearch struct{}

func (stubSearch) Search(ctx context.Context, query, apiKey string) ([]tools.SearchResult, error) {
	return []tools.SearchResult{{Title: "About " + query, URL: "https://example.com/" + query}}, nil
}

func TestSend_SearchScenarioEndToEnd(t *testing.T) {
	frame := func(delta string) string {
		return fmt.Sprintf(`data: {"choices":[{"index":0,"delta":%s}]}`+"\n\n", delta)
	}
	streamer := &sseStreamer{bodies: []string{
		frame(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"brave_search","arguments":"{\"query\":"}}]}`) +
			frame(`{"tool_calls":[{"index":0,"function":{"arguments":"\"X\"}"}}]}`) +
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
			"data: [DONE]\n\n",
		frame(`{"content":"X is "}`) + frame(`{"content":"well documented."}`) + "data: [DONE]\n\n",
	}}
	orch := chat.New(streamer, tools.NewInvoker(stubSearch{}))
	st := store.NewInMemoryStore(10)
	c := NewCoordinator(st, orch, WithToolCredentials(tools.Credentials{SearchAPIKey: "k"}))
	conv, _ := c.CreateConversation(context.Background(), CreateRequest{Model: "gpt-4o"})

	res, err := c.Send(context.Background(), SendRequest{ConversationID: conv.ID, Prompt: "search for X", Credential: "tok"}, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := "🔍 Searching: X\n\nX is well documented."
	if res.Turn.Content != want {
		t.Errorf("Content = %q, want %q", res.Turn.Content, want)
	}
	stored := lastTurn(t, st, conv.ID)
	if stored.Content != want || stored.Pending || stored.Error {
		t.Errorf("stored turn = %+v", stored)
	}
	if strings.Contains(stored.Content, "call_1") || strings.Contains(stored.Content, "arguments") {
		t.Error("raw tool JSON in stored content")
	}
}

// gatedStore pauses Get calls while a gate is set.
type gatedStore struct {
	store.Store

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedStore) pauseGets() (resume func()) {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		gate := s.gate
		s.gate = nil
		s.mu.Unlock()
		close(gate)
	}
}

func (s *gatedStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		s.entered <- struct{}{}
		<-gate
	}
	return s.Store.Get(ctx, id)
}

func TestSend_ReadsHistoryAfterReservingSlot(t *testing.T) {
	var (
		mu        sync.Mutex
		histories [][]domain.Turn
	)
	runner := runnerFunc(func(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result {
		mu.Lock()
		histories = append(histories, req.History)
		mu.Unlock()
		return echoRunner()(ctx, req, observe)
	})
	st := &gatedStore{Store: store.NewInMemoryStore(10), entered: make(chan struct{}, 1)}
	c := NewCoordinator(st, runner)
	id := mustCreate(t, c, "m")
	ctx := context.Background()

	if _, err := c.Send(ctx, SendRequest{ConversationID: id, Prompt: "first"}, nil); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	resume := st.pauseGets()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, SendRequest{ConversationID: id, Prompt: "second"}, nil)
		errCh <- err
	}()
	<-st.entered

	// The paused send already holds the slot while it reads the conversation.
	if _, err := c.Send(ctx, SendRequest{ConversationID: id, Prompt: "third"}, nil); !errors.Is(err, domain.ErrConversationBusy) {
		t.Errorf("concurrent Send() error = %v, want ErrConversationBusy", err)
	}

	resume()
	if err := <-errCh; err != nil {
		t.Fatalf("second Send() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(histories) != 2 {
		t.Fatalf("runs = %d, want 2", len(histories))
	}
	history := histories[1]
	if len(history) != 2 {
		t.Fatalf("second history = %+v", history)
	}
	if prev := history[1]; prev.Pending || prev.Content != "m: first" {
		t.Errorf("second turn saw previous answer %+v, want final \"m: first\"", prev)
	}
}

func TestCompare_MissingConversationReleasesSlots(t *testing.T) {
	c, _ := newTestCoordinator(t, echoRunner())
	left := mustCreate(t, c, "a")

	_, err := c.Compare(context.Background(), CompareRequest{
		Prompt: "p",
		Left:   Target{ConversationID: left},
		Right:  Target{ConversationID: "missing"},
	}, nil)
	if !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("Compare() error = %v, want ErrConversationNotFound", err)
	}
	if active := c.Active(); len(active) != 0 {
		t.Errorf("active after failed compare = %v", active)
	}
}

func TestStopConversation_DoesNotWaitForSlowSubscriber(t *testing.T) {
	runner := newBlockingRunner()
	c, st := newTestCoordinator(t, runner)
	id := mustCreate(t, c, "m")

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		once   sync.Once
		mu     sync.Mutex
		events []Event
	)
	onEvent := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	resCh := make(chan *TurnResult, 1)
	go func() {
		res, _ := c.Send(context.Background(), SendRequest{ConversationID: id, Prompt: "p"}, onEvent)
		resCh <- res
	}()
	<-entered

	stopped := make(chan bool, 1)
	go func() { stopped <- c.StopConversation(id) }()

	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("StopConversation() = false")
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("StopConversation() blocked on the event subscriber")
	}
	if turn := lastTurn(t, st, id); turn.Pending {
		t.Errorf("turn still pending after stop: %+v", turn)
	}

	close(release)
	close(runner.unblock)
	res := <-resCh
	if res.State != chat.StateCancelled {
		t.Errorf("result state = %s, want cancelled", res.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if last := events[len(events)-1]; last.State != chat.StateCancelled {
		t.Errorf("last event state = %s, want cancelled", last.State)
	}
}
