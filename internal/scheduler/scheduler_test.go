package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

type mockAccountStore struct {
	store.AccountStore
	accounts []models.EmailAccount
}

func (m *mockAccountStore) ListActiveAccounts(context.Context) ([]models.EmailAccount, error) {
	return m.accounts, nil
}

type fakePoller struct {
	mu    sync.Mutex
	polls []int64
}

func (f *fakePoller) PollAccount(_ context.Context, accountID int64) error {
	f.mu.Lock()
	f.polls = append(f.polls, accountID)
	f.mu.Unlock()
	return nil
}

type fakePipeline struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakePipeline) Process(_ context.Context, emailID int64) error {
	f.mu.Lock()
	f.ids = append(f.ids, emailID)
	f.mu.Unlock()
	return nil
}

type fakeFollowUps struct {
	mu    sync.Mutex
	due   []models.FollowUp
	fired []int64
}

func (f *fakeFollowUps) DueFollowUps(context.Context) ([]models.FollowUp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

func (f *fakeFollowUps) Fire(_ context.Context, fu *models.FollowUp) error {
	f.mu.Lock()
	f.fired = append(f.fired, fu.ID)
	f.mu.Unlock()
	return nil
}

type fakeMeetings struct {
	mu    sync.Mutex
	ticks int
}

func (f *fakeMeetings) SendDueReminders(context.Context) error {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
	return nil
}

func newScheduler(accounts *mockAccountStore, clk clock.Clock) (*Scheduler, *fakePoller, *fakePipeline, *fakeFollowUps, *fakeMeetings) {
	poller := &fakePoller{}
	pipeline := &fakePipeline{}
	followUps := &fakeFollowUps{}
	meetings := &fakeMeetings{}
	s := New(Config{
		PollInterval:          time.Minute,
		FollowUpCheckInterval: 5 * time.Minute,
		ReminderCheckInterval: time.Hour,
		JobDeadline:           time.Minute,
		PoolSize:              2,
	}, accounts, poller, pipeline, followUps, meetings, clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, poller, pipeline, followUps, meetings
}

func TestPoolSizeDerivation(t *testing.T) {
	accounts := &mockAccountStore{}
	s, _, _, _, _ := newScheduler(accounts, clock.System{})

	s.cfg.PoolSize = 7
	if got := s.poolSize(3); got != 7 {
		t.Errorf("explicit size = %d, want 7", got)
	}

	s.cfg.PoolSize = 0
	if got := s.poolSize(2); got != 4 {
		t.Errorf("derived size = %d, want accounts*2 = 4", got)
	}
	if got := s.poolSize(0); got != 1 {
		t.Errorf("size with no accounts = %d, want 1", got)
	}
	if got := s.poolSize(10000); got < 1 || got > 10000*2 {
		t.Errorf("size with many accounts = %d, should be capped by GOMAXPROCS", got)
	}
}

func TestPollTickHonorsPerAccountInterval(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	accounts := &mockAccountStore{accounts: []models.EmailAccount{
		{ID: 1, Active: true},                       // global 60s cadence
		{ID: 2, Active: true, PollIntervalSec: 120}, // slower override
	}}
	s, _, _, _, _ := newScheduler(accounts, clk)

	drain := func() []Job {
		var jobs []Job
		for {
			select {
			case j := <-s.jobs:
				jobs = append(jobs, j)
			default:
				return jobs
			}
		}
	}

	s.pollTick(context.Background())
	if got := len(drain()); got != 2 {
		t.Fatalf("first tick enqueued %d jobs, want 2", got)
	}

	// 60s later only the account on the global cadence is due.
	clk.Advance(time.Minute)
	s.pollTick(context.Background())
	jobs := drain()
	if len(jobs) != 1 {
		t.Fatalf("second tick enqueued %d jobs, want 1", len(jobs))
	}
	if jobs[0].(PollAccountJob).AccountID != 1 {
		t.Errorf("wrong account polled: %+v", jobs[0])
	}

	// Another 60s and the override account is due too.
	clk.Advance(time.Minute)
	s.pollTick(context.Background())
	if got := len(drain()); got != 2 {
		t.Errorf("third tick enqueued %d jobs, want 2", got)
	}
}

func TestFollowUpTickFansOutJobs(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s, _, _, followUps, _ := newScheduler(&mockAccountStore{}, clk)
	followUps.due = []models.FollowUp{{ID: 1}, {ID: 2}}

	s.followUpTick(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case job := <-s.jobs:
			if err := job.Run(context.Background()); err != nil {
				t.Fatalf("job: %v", err)
			}
		default:
			t.Fatalf("missing job %d", i)
		}
	}
	if len(followUps.fired) != 2 {
		t.Errorf("fired = %v", followUps.fired)
	}
}

// latePoller blocks its first poll until released, then enqueues an email
// it "discovered" during the fetch. Used to exercise the shutdown drain.
type latePoller struct {
	sched   *Scheduler
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *latePoller) PollAccount(context.Context, int64) error {
	p.once.Do(func() {
		close(p.started)
		<-p.release
		p.sched.EnqueueEmail(77)
	})
	return nil
}

func TestShutdownDrainsLateEnqueuedWork(t *testing.T) {
	accounts := &mockAccountStore{accounts: []models.EmailAccount{{ID: 1, Active: true}}}
	s, _, pipeline, _, _ := newScheduler(accounts, clock.System{})
	late := &latePoller{
		sched:   s,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.SetPoller(late)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-late.started
	cancel()
	// Let the tickers stop so the enqueue below lands mid-drain.
	time.Sleep(50 * time.Millisecond)
	close(late.release)

	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	if len(pipeline.ids) != 1 || pipeline.ids[0] != 77 {
		t.Errorf("email enqueued during drain not processed, got %v", pipeline.ids)
	}
}

func TestRunProcessesEnqueuedEmails(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	accounts := &mockAccountStore{accounts: []models.EmailAccount{{ID: 1, Active: true}}}
	s, poller, pipeline, _, meetings := newScheduler(accounts, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.EnqueueEmail(41)
	s.EnqueueEmail(42)

	deadline := time.After(2 * time.Second)
	for {
		pipeline.mu.Lock()
		processed := len(pipeline.ids)
		pipeline.mu.Unlock()
		if processed == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("emails not processed in time")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v", err)
	}

	// The immediate first ticks fired.
	poller.mu.Lock()
	polled := len(poller.polls)
	poller.mu.Unlock()
	if polled == 0 {
		t.Error("no poll job ran on startup")
	}
	meetings.mu.Lock()
	reminderTicks := meetings.ticks
	meetings.mu.Unlock()
	if reminderTicks == 0 {
		t.Error("no reminder tick ran on startup")
	}
}
