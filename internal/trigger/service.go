package trigger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "taskq/pkg/logx"
)

// Fire describes one tick of a trigger.
type Fire struct {
	Name string
	// Key is unique per fire: name + "-" + a random UUID.
	Key string
	At  time.Time
	// Seq counts fires of this trigger, starting at 1.
	Seq uint64
}

// Func is invoked on every fire. It runs on a cron goroutine and should return quickly.
type Func func(ctx context.Context, f Fire)

// Entry describes a registered trigger.
type Entry struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Kind     string        `json:"kind"`
	Spread   time.Duration `json:"spread,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Fired    uint64        `json:"fired"`
}

type definition struct {
	name    string
	raw     string
	sched   Schedule
	fn      Func
	entryID cron.EntryID
	spread  time.Duration
	fired   atomic.Uint64
}

// Service owns the cron instance. Triggers may be added before or after Start.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	spread bool
	parser cron.Parser

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*definition
}

type Option func(*Service)

// WithLocation sets the timezone cron expressions are evaluated in (default time.Local).
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithStartupSpread randomly delays the first fire of interval triggers (default on).
func WithStartupSpread(enabled bool) Option { return func(s *Service) { s.spread = enabled } }

func New(opts ...Option) *Service {
	s := &Service{
		loc:    time.Local,
		spread: true,
		// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*definition{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Add registers fn under name, replacing any trigger with the same name.
func (s *Service) Add(name, schedule string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if fn == nil {
		return errors.New("trigger func required")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sched.Kind == KindCron {
		if _, err := s.parser.Parse(sched.Cron); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &definition{name: name, raw: schedule, sched: sched, fn: fn}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", sched.Spec()), logx.Bool("running", s.c != nil))
	return nil
}

// Validate reports whether schedule would be accepted by Add.
func (s *Service) Validate(schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sched.Kind == KindCron {
		_, err = s.parser.Parse(sched.Cron)
	}
	return err
}

// Remove unregisters name. It reports whether a trigger was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *definition) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.sched.Kind == KindInterval {
		var sched cron.Schedule = cron.Every(d.sched.Every)
		d.spread = 0
		if s.spread {
			sched, d.spread = withSpread(d.sched.Every, time.Now().In(s.loc), d.name)
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.sched.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) fire(d *definition) {
	s.mu.Lock()
	ctx := s.ctx
	live := s.defs[d.name] == d
	s.mu.Unlock()
	if !live || ctx == nil || ctx.Err() != nil {
		return
	}
	f := Fire{
		Name: d.name,
		Key:  d.name + "-" + uuid.NewString(),
		At:   time.Now().In(s.loc),
		Seq:  d.fired.Add(1),
	}
	s.log.Debug("trigger fired", logx.String("name", d.name), logx.String("key", f.Key), logx.Uint64("seq", f.Seq))
	d.fn(ctx, f)
}

// Start begins firing. ctx is handed to every Func and stops firing when done.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.name), logx.String("spec", d.sched.Spec()), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", s.loc.String()), logx.Int("count", len(s.defs)))
}

// Stop halts firing and waits for in-flight Funcs until ctx is done.
// Definitions are kept and re-registered by the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.ctx = nil, nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

// Entries lists registered triggers sorted by name. Next and Prev are set only while started.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{
			Name:     d.name,
			Schedule: d.raw,
			Kind:     d.sched.Kind.String(),
			Spread:   d.spread,
			Fired:    d.fired.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			ce := s.c.Entry(d.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRuns previews the next n fire times of schedule from now, in the service timezone.
func (s *Service) NextRuns(schedule string, n int) ([]time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	var cs cron.Schedule
	if sched.Kind == KindInterval {
		cs = cron.Every(sched.Every)
	} else if cs, err = s.parser.Parse(sched.Cron); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := time.Now().In(s.loc)
	for i := 0; i < n; i++ {
		t = cs.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
