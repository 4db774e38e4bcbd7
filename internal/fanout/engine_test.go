package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/dispatch"
	"github.com/agrofleet/herald/internal/provider"
	"github.com/agrofleet/herald/internal/store"
)

// fakeDirectory fabricates one contact identity per recipient id and one
// group member per group id, all in the same tenant.
type fakeDirectory struct {
	tenantID uuid.UUID
	members  map[uuid.UUID][]Recipient // group id -> members
	err      error

	renderErr map[string]error // channel -> render failure
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{tenantID: uuid.New(), members: make(map[uuid.UUID][]Recipient), renderErr: make(map[string]error)}
}

func (f *fakeDirectory) contact(id uuid.UUID) Recipient {
	return Recipient{
		ID:         id,
		TenantID:   f.tenantID,
		Email:      fmt.Sprintf("%s@example.com", id),
		Phone:      "+15550001111",
		PushTarget: "arn:aws:sns:endpoint/" + id.String(),
	}
}

func (f *fakeDirectory) Resolve(ctx context.Context, recipientIDs, groupIDs []uuid.UUID) ([]Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Recipient
	for _, id := range recipientIDs {
		out = append(out, f.contact(id))
	}
	for _, id := range groupIDs {
		out = append(out, f.members[id]...)
	}
	return out, nil
}

func (f *fakeDirectory) Render(ctx context.Context, templateID uuid.UUID, channel string, payload json.RawMessage) (*RenderedTemplate, error) {
	if err := f.renderErr[channel]; err != nil {
		return nil, err
	}
	return &RenderedTemplate{Subject: "harvest window", Body: "the harvest window opens tomorrow"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	final []*store.NotificationRequest
}

func (n *recordingNotifier) NotifyFinal(ctx context.Context, req *store.NotificationRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.final = append(n.final, req)
}

func (n *recordingNotifier) last() *store.NotificationRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.final) == 0 {
		return nil
	}
	return n.final[len(n.final)-1]
}

type nopEvents struct{}

func (nopEvents) Record(ctx context.Context, entityType, entityID, eventType, detail string) {}

type engineFixture struct {
	mem       *store.Memory
	engine    *Engine
	directory *fakeDirectory
	notifier  *recordingNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mem := store.NewMemory()
	directory := newFakeDirectory()
	notifier := &recordingNotifier{}
	engine := New(mem.Requests, mem.Queue, directory, directory, nopEvents{}, notifier, Config{}, zap.NewNop())
	return &engineFixture{mem: mem, engine: engine, directory: directory, notifier: notifier}
}

func (f *engineFixture) submit(t *testing.T, in SubmitInput) *store.NotificationRequest {
	t.Helper()
	req, err := f.engine.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return req
}

func validInput(recipients int, channels ...string) SubmitInput {
	ids := make([]uuid.UUID, recipients)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return SubmitInput{
		ApplicationID: uuid.New(),
		TemplateID:    uuid.New(),
		PriorityTier:  store.TierNormal,
		RecipientIDs:  ids,
		Channels:      channels,
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newEngineFixture(t)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*SubmitInput)
	}{
		{"missing application", func(in *SubmitInput) { in.ApplicationID = uuid.Nil }},
		{"missing template", func(in *SubmitInput) { in.TemplateID = uuid.Nil }},
		{"no recipients", func(in *SubmitInput) { in.RecipientIDs = nil }},
		{"no channels", func(in *SubmitInput) { in.Channels = nil }},
		{"unknown channel", func(in *SubmitInput) { in.Channels = []string{"carrier-pigeon"} }},
		{"unknown tier", func(in *SubmitInput) { in.PriorityTier = "urgent" }},
		{"invalid payload", func(in *SubmitInput) { in.Payload = json.RawMessage(`{broken`) }},
		{"expires in the past", func(in *SubmitInput) { in.ExpiresAt = &past }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(1, store.ChannelEmail)
			tt.mutate(&in)
			_, err := f.engine.Submit(context.Background(), in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmitDefaultsToNormalTier(t *testing.T) {
	f := newEngineFixture(t)
	in := validInput(1, store.ChannelEmail)
	in.PriorityTier = ""

	req := f.submit(t, in)
	if req.PriorityTier != store.TierNormal {
		t.Errorf("expected normal tier, got %s", req.PriorityTier)
	}
	if req.Status != store.RequestPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
}

func TestFanOutOneMessagePerRecipientChannel(t *testing.T) {
	f := newEngineFixture(t)
	in := validInput(3, store.ChannelEmail, store.ChannelSMS)
	in.PriorityTier = store.TierHigh
	req := f.submit(t, in)

	enqueued, err := f.engine.FanOut(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if enqueued != 6 {
		t.Fatalf("expected 6 messages for 3 recipients x 2 channels, got %d", enqueued)
	}

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestProcessing {
		t.Errorf("expected processing, got %s", got.Status)
	}

	messages, _ := f.mem.Queue.ListByRequest(context.Background(), req.ID)
	perChannel := make(map[string]int)
	for _, msg := range messages {
		perChannel[msg.Channel]++
		if msg.Priority != store.PriorityHigh {
			t.Errorf("expected high priority %d, got %d", store.PriorityHigh, msg.Priority)
		}
		if len(msg.Content) == 0 {
			t.Error("expected rendered content")
		}
	}
	if perChannel[store.ChannelEmail] != 3 || perChannel[store.ChannelSMS] != 3 {
		t.Errorf("unexpected channel split: %v", perChannel)
	}

	// A second fan-out is a no-op: the request is no longer pending
	enqueued, err = f.engine.FanOut(context.Background(), req.ID)
	if err != nil || enqueued != 0 {
		t.Errorf("second fan-out should be a no-op, got n=%d err=%v", enqueued, err)
	}
}

func TestFanOutDeduplicatesRecipients(t *testing.T) {
	f := newEngineFixture(t)

	direct := uuid.New()
	groupID := uuid.New()
	// The group contains the direct recipient plus one more
	f.directory.members[groupID] = []Recipient{
		f.directory.contact(direct),
		f.directory.contact(uuid.New()),
	}

	in := validInput(0, store.ChannelEmail)
	in.RecipientIDs = []uuid.UUID{direct}
	in.GroupIDs = []uuid.UUID{groupID}
	req := f.submit(t, in)

	enqueued, err := f.engine.FanOut(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if enqueued != 2 {
		t.Errorf("expected 2 messages after de-duplication, got %d", enqueued)
	}
}

func TestFanOutSkipsChannelWithoutTemplate(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.renderErr[store.ChannelSMS] = errors.New("no approved version for sms")

	req := f.submit(t, validInput(2, store.ChannelEmail, store.ChannelSMS))

	enqueued, err := f.engine.FanOut(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if enqueued != 2 {
		t.Errorf("expected only the email messages, got %d", enqueued)
	}
}

func TestFanOutFailsRequestWhenNothingEnqueued(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.renderErr[store.ChannelEmail] = errors.New("no approved version")

	req := f.submit(t, validInput(1, store.ChannelEmail))

	enqueued, err := f.engine.FanOut(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}
	if enqueued != 0 {
		t.Fatalf("expected 0 messages, got %d", enqueued)
	}

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestFanOutFailsRequestWhenResolverErrors(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.err = errors.New("directory unavailable")

	req := f.submit(t, validInput(1, store.ChannelEmail))

	if _, err := f.engine.FanOut(context.Background(), req.ID); err == nil {
		t.Fatal("expected a resolver error")
	}
	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

// drain claims and finishes every eligible message with the given outcomes,
// in claim order.
func drain(t *testing.T, f *engineFixture, outcomes []string) {
	t.Helper()
	for _, outcome := range outcomes {
		msg, ok, err := f.mem.Queue.Claim(context.Background())
		if err != nil || !ok {
			t.Fatalf("claim failed: ok=%v err=%v", ok, err)
		}
		switch outcome {
		case store.MessageCompleted:
			err = f.mem.Queue.Complete(context.Background(), msg.ID)
		case store.MessageFailed:
			err = f.mem.Queue.Fail(context.Background(), msg.ID, "send failed")
		}
		if err != nil {
			t.Fatalf("finish failed: %v", err)
		}
		if err := f.engine.MessageFinalized(context.Background(), msg.RequestID); err != nil {
			t.Fatalf("MessageFinalized failed: %v", err)
		}
	}
}

func TestMessageFinalizedAnySuccessCompletes(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, validInput(2, store.ChannelEmail))
	if _, err := f.engine.FanOut(context.Background(), req.ID); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}

	drain(t, f, []string{store.MessageFailed, store.MessageCompleted})

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestCompleted {
		t.Errorf("one delivery suffices: expected completed, got %s", got.Status)
	}

	final := f.notifier.last()
	if final == nil || final.Status != store.RequestCompleted {
		t.Errorf("expected completion callback, got %+v", final)
	}
}

func TestMessageFinalizedAllFailed(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, validInput(2, store.ChannelEmail))
	if _, err := f.engine.FanOut(context.Background(), req.ID); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}

	drain(t, f, []string{store.MessageFailed, store.MessageFailed})

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestMessageFinalizedWaitsForOutstandingMessages(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, validInput(2, store.ChannelEmail))
	if _, err := f.engine.FanOut(context.Background(), req.ID); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}

	drain(t, f, []string{store.MessageCompleted})

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestProcessing {
		t.Errorf("request must stay processing while messages are outstanding, got %s", got.Status)
	}
	if f.notifier.last() != nil {
		t.Error("no callback before the request is terminal")
	}
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) Record(ctx context.Context, entityType, entityID, eventType, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recordingEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, et := range r.types {
		if et == eventType {
			n++
		}
	}
	return n
}

func TestFailAfterConcurrentCancelRecordsNothing(t *testing.T) {
	mem := store.NewMemory()
	directory := newFakeDirectory()
	events := &recordingEvents{}
	engine := New(mem.Requests, mem.Queue, directory, directory, events, &recordingNotifier{}, Config{}, zap.NewNop())

	req, err := engine.Submit(context.Background(), validInput(1, store.ChannelEmail))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := engine.Cancel(context.Background(), req.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// The request was cancelled while a fan-out failure path still held it.
	engine.fail(context.Background(), req, "resolver unavailable")

	got, _ := mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestCancelled {
		t.Errorf("cancellation must stand, got %s", got.Status)
	}
	if n := events.count(store.EventRequestFailed); n != 0 {
		t.Errorf("no failed event should be recorded for an unmoved transition, got %d", n)
	}
	if n := events.count(store.EventRequestCancelled); n != 1 {
		t.Errorf("expected the one cancellation event, got %d", n)
	}
}

func TestCancelStopsQueuedMessages(t *testing.T) {
	f := newEngineFixture(t)
	req := f.submit(t, validInput(3, store.ChannelEmail))
	if _, err := f.engine.FanOut(context.Background(), req.ID); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}

	// One message in flight, two still queued
	if _, ok, _ := f.mem.Queue.Claim(context.Background()); !ok {
		t.Fatal("expected a claim")
	}

	if err := f.engine.Cancel(context.Background(), req.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	messages, _ := f.mem.Queue.ListByRequest(context.Background(), req.ID)
	statuses := make(map[string]int)
	for _, msg := range messages {
		statuses[msg.Status]++
	}
	if statuses[store.MessageProcessing] != 1 || statuses[store.MessageFailed] != 2 {
		t.Errorf("unexpected statuses after cancel: %v", statuses)
	}

	// A second cancel is rejected
	if err := f.engine.Cancel(context.Background(), req.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation on cancelled request, got %v", err)
	}
}

func TestSweepExpiredCancelsOutstandingWork(t *testing.T) {
	f := newEngineFixture(t)
	base := time.Now()
	f.mem.SetClock(func() time.Time { return base })

	expiresAt := base.Add(time.Minute)
	in := validInput(2, store.ChannelEmail)
	in.ExpiresAt = &expiresAt
	req := f.submit(t, in)
	if _, err := f.engine.FanOut(context.Background(), req.ID); err != nil {
		t.Fatalf("FanOut failed: %v", err)
	}

	// Not yet due
	swept, err := f.engine.SweepExpired(context.Background())
	if err != nil || swept != 0 {
		t.Fatalf("expected no sweep before expiry, got n=%d err=%v", swept, err)
	}

	f.mem.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	swept, err = f.engine.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept request, got %d", swept)
	}

	got, _ := f.mem.Requests.Get(context.Background(), req.ID)
	if got.Status != store.RequestExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	messages, _ := f.mem.Queue.ListByRequest(context.Background(), req.ID)
	for _, msg := range messages {
		if msg.Status != store.MessageFailed {
			t.Errorf("expected message %d cancelled, got %s", msg.ID, msg.Status)
		}
	}
}

// terminalSMSSender delivers everything except the sms channel for one
// recipient, which fails terminally.
type terminalSMSSender struct {
	reject uuid.UUID
}

func (s *terminalSMSSender) Send(ctx context.Context, msg *store.QueuedMessage, prov *store.ChannelProvider) (*dispatch.SendResult, error) {
	if msg.Channel == store.ChannelSMS && msg.RecipientID == s.reject {
		return nil, dispatch.Terminal(prov.ID, errors.New("invalid phone number"))
	}
	return &dispatch.SendResult{ProviderMessageID: "ok-" + msg.RecipientID.String(), Response: "accepted"}, nil
}

func (s *terminalSMSSender) SupportsChannel(channel string) bool { return true }

func TestRequestLifecycleEndToEnd(t *testing.T) {
	mem := store.NewMemory()
	directory := newFakeDirectory()
	notifier := &recordingNotifier{}
	engine := New(mem.Requests, mem.Queue, directory, directory, nopEvents{}, notifier, Config{FanoutInterval: 10 * time.Millisecond, SweepInterval: time.Hour}, zap.NewNop())

	for _, channel := range []string{store.ChannelEmail, store.ChannelSMS} {
		if err := mem.Providers.Create(context.Background(), &store.ChannelProvider{
			ID:        uuid.New(),
			TenantID:  directory.tenantID,
			Channel:   channel,
			Name:      channel + "-main",
			IsDefault: true,
			IsActive:  true,
		}); err != nil {
			t.Fatalf("provider setup failed: %v", err)
		}
	}

	in := validInput(3, store.ChannelEmail, store.ChannelSMS)
	req, err := engine.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	registry := provider.NewRegistry(mem.Providers, zap.NewNop())
	sender := &terminalSMSSender{reject: in.RecipientIDs[0]}
	pool := dispatch.New(mem.Queue, mem.Deliveries, registry, sender, engine, nopEvents{}, dispatch.Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()
	go pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := mem.Requests.Get(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if store.RequestTerminal(got.Status) {
			if got.Status != store.RequestCompleted {
				t.Fatalf("any-success policy: expected completed, got %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never finalized, still %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	deliveries, err := mem.Deliveries.ListByRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("ListByRequest failed: %v", err)
	}
	delivered, failed := 0, 0
	for _, d := range deliveries {
		switch d.Status {
		case store.DeliveryDelivered:
			delivered++
		case store.DeliveryFailed:
			failed++
		}
	}
	if delivered != 5 || failed != 1 {
		t.Errorf("expected 5 delivered and 1 failed delivery rows, got %d/%d", delivered, failed)
	}

	final := notifier.last()
	if final == nil || final.Status != store.RequestCompleted {
		t.Errorf("expected completion callback, got %+v", final)
	}
}
