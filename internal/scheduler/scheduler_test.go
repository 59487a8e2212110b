package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pocketagent/internal/bus"
)

type fakeRunner struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
}

func (r *fakeRunner) Run(ctx context.Context, goal string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, goal)
	return r.answer, r.err
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func newTestScheduler(r Runner) (*Scheduler, *bus.Outbox, *bus.EventBus) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	outbox := bus.NewOutbox(10, logger)
	events := bus.NewEventBus(logger)
	s := New(Config{Runner: r, Outbox: outbox, Events: events, Format: strings.ToUpper, Logger: logger})
	return s, outbox, events
}

func TestScheduler_RunNowQueuesAnswer(t *testing.T) {
	r := &fakeRunner{answer: "  3 new invoices  "}
	s, outbox, events := newTestScheduler(r)
	var queued []bus.Event
	events.On(bus.EventScheduledQueued, func(e bus.Event) { queued = append(queued, e) })

	if err := s.Add(Job{ID: "inbox", Schedule: "@hourly", Prompt: "check inbox", Chat: "Me", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "inbox"); err != nil {
		t.Fatal(err)
	}

	msgs := outbox.Drain()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued reply, got %d", len(msgs))
	}
	if msgs[0].Chat != "Me" || msgs[0].Reply.Text != "3 NEW INVOICES" || msgs[0].Source != "scheduler:inbox" {
		t.Fatalf("unexpected reply %+v", msgs[0])
	}
	if len(queued) != 1 || queued[0].Payload["job"] != "inbox" {
		t.Fatalf("expected scheduled.queued event, got %+v", queued)
	}
	if r.prompts[0] != "check inbox" {
		t.Fatalf("unexpected prompt %q", r.prompts[0])
	}
}

func TestScheduler_SkipIfContains(t *testing.T) {
	s, outbox, _ := newTestScheduler(&fakeRunner{answer: "No important emails right now."})
	s.Add(Job{ID: "mail", Schedule: "@hourly", Prompt: "p", Chat: "Me", SkipIfContains: "no IMPORTANT emails", Enabled: true})

	if err := s.RunNow(context.Background(), "mail"); err != nil {
		t.Fatal(err)
	}
	if outbox.Len() != 0 {
		t.Fatal("answer matching the skip marker must not be queued")
	}
}

func TestScheduler_EmptyAnswerNotQueued(t *testing.T) {
	s, outbox, _ := newTestScheduler(&fakeRunner{answer: "   "})
	s.Add(Job{ID: "j", Schedule: "@daily", Prompt: "p", Chat: "Me", Enabled: true})
	s.RunNow(context.Background(), "j")
	if outbox.Len() != 0 {
		t.Fatal("empty answer must not be queued")
	}
}

func TestScheduler_RunErrorRecordedOnJob(t *testing.T) {
	s, _, _ := newTestScheduler(&fakeRunner{err: errors.New("kernel down")})
	s.Add(Job{ID: "j", Schedule: "@daily", Prompt: "p", Chat: "Me", Enabled: true})

	if err := s.RunNow(context.Background(), "j"); err == nil {
		t.Fatal("expected error")
	}
	jobs := s.List()
	if jobs[0].LastError == "" || jobs[0].LastRun.IsZero() {
		t.Fatalf("expected outcome stored on job, got %+v", jobs[0])
	}
}

func TestScheduler_AddValidates(t *testing.T) {
	s, _, _ := newTestScheduler(&fakeRunner{})
	if err := s.Add(Job{ID: "", Schedule: "@daily"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := s.Add(Job{ID: "bad", Schedule: "every tuesday"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.Add(Job{ID: "a", Schedule: "0 9 * * 1-5"}); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
	if err := s.Add(Job{ID: "a", Schedule: "@daily"}); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestScheduler_RemoveAndList(t *testing.T) {
	s, _, _ := newTestScheduler(&fakeRunner{})
	s.Add(Job{ID: "b", Schedule: "@daily", Enabled: true})
	s.Add(Job{ID: "a", Schedule: "@daily"})

	if got := s.List(); len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("expected sorted jobs, got %+v", got)
	}
	if err := s.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("b"); err == nil {
		t.Fatal("expected error removing unknown job")
	}
	if len(s.List()) != 1 {
		t.Fatal("expected one job left")
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	r := &fakeRunner{answer: "tick"}
	s, outbox, _ := newTestScheduler(r)
	s.Add(Job{ID: "fast", Schedule: "@every 1s", Prompt: "p", Chat: "Me", Enabled: true})
	s.Add(Job{ID: "off", Schedule: "@every 1s", Prompt: "never", Chat: "Me", Enabled: false})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for outbox.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if outbox.Len() == 0 || r.calls() == 0 {
		t.Fatal("job did not fire")
	}
	r.mu.Lock()
	for _, p := range r.prompts {
		if p == "never" {
			t.Error("disabled job fired")
		}
	}
	r.mu.Unlock()
}
