// Package scheduler runs prompts through the kernel on cron schedules and
// queues the answers for delivery to a named chat.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pocketagent/internal/bus"
	"pocketagent/internal/domain"
)

// Runner is the kernel operation a job needs.
type Runner interface {
	Run(ctx context.Context, goal string) (string, error)
}

// Job is a scheduled prompt. Schedule accepts five-field cron expressions
// and descriptors such as "@hourly" or "@every 15m".
type Job struct {
	ID             string
	Schedule       string
	Prompt         string
	Chat           string
	SkipIfContains string // answers containing this (case-insensitive) are dropped
	Enabled        bool

	LastRun   time.Time
	LastError string
}

type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	runner  Runner
	outbox  *bus.Outbox
	events  *bus.EventBus
	format  func(string) string
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

// Config holds scheduler dependencies. Events and Format are optional.
type Config struct {
	Runner Runner
	Outbox *bus.Outbox
	Events *bus.EventBus
	Format func(string) string
	Logger *slog.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		runner:  cfg.Runner,
		outbox:  cfg.Outbox,
		events:  cfg.Events,
		format:  cfg.Format,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
		logger:  cfg.Logger.With("component", "scheduler"),
	}
}

// Add registers a job. Disabled jobs are kept but never fire.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	j := job
	s.jobs[j.ID] = &j
	if j.Enabled {
		id, err := s.cron.AddFunc(j.Schedule, func() { s.execute(s.runContext(), j.ID) })
		if err != nil {
			delete(s.jobs, j.ID)
			return fmt.Errorf("schedule job %q: %w", j.ID, err)
		}
		s.entries[j.ID] = id
	}
	s.logger.Info("job added", "id", j.ID, "schedule", j.Schedule, "chat", j.Chat, "enabled", j.Enabled)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %q not found", id)
	}
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "id", id)
	return nil
}

// List returns a snapshot of all jobs sorted by ID.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Start begins firing jobs. Runs are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.List()), "cron_entries", len(s.cron.Entries()))
}

// Stop halts the scheduler and waits up to 10s for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	return s.execute(ctx, id)
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// execute runs the prompt and queues a non-empty answer. The outcome is
// stored on the job.
func (s *Scheduler) execute(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", id)
	}
	j := *job
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
		s.mu.Lock()
		if job, ok := s.jobs[id]; ok {
			job.LastRun = time.Now()
			job.LastError = ""
			if err != nil {
				job.LastError = err.Error()
			}
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("job failed", "id", id, "err", err)
		}
	}()

	s.logger.Info("executing job", "id", j.ID, "chat", j.Chat)
	answer, err := s.runner.Run(ctx, j.Prompt)
	if err != nil {
		return fmt.Errorf("run job %q: %w", j.ID, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		s.logger.Info("job produced no answer", "id", j.ID)
		return nil
	}
	if j.SkipIfContains != "" && strings.Contains(strings.ToLower(answer), strings.ToLower(j.SkipIfContains)) {
		s.logger.Info("job answer skipped", "id", j.ID, "marker", j.SkipIfContains)
		return nil
	}
	if s.format != nil {
		answer = s.format(answer)
	}

	source := "scheduler:" + j.ID
	if !s.outbox.Publish(domain.ChatReply{Chat: j.Chat, Reply: domain.OutboundReply{Text: answer}, Source: source}) {
		return fmt.Errorf("outbox closed")
	}
	s.events.Emit(bus.Event{Type: bus.EventScheduledQueued, Source: source, Payload: map[string]any{"job": j.ID, "chat": j.Chat}})
	return nil
}
