// Package cluster runs a pool of worker processes that share one listening
// socket. The primary restarts crashed workers unless a slot crashes too
// often, probes live workers periodically and stops them gracefully.
package cluster

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var ErrAllWorkersDisabled = errors.New("cluster: every worker slot is disabled")

type SlotState int

const (
	Starting SlotState = iota
	Online
	Exited
	Restarting
	Disabled
)

func (s SlotState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Online:
		return "online"
	case Exited:
		return "exited"
	case Restarting:
		return "restarting"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
	Probe(ctx context.Context) (ProbeResult, error)
}

type Spawner interface {
	Spawn(slot int) (Process, error)
}

type Options struct {
	Workers       int
	RestartDelay  time.Duration
	RestartWindow time.Duration
	MaxRestarts   int
	ProbeInterval time.Duration
	ShutdownGrace time.Duration
}

// DefaultWorkers leaves one CPU for the primary.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

// SlotInfo is a point-in-time view of one slot.
type SlotInfo struct {
	Index       int
	State       SlotState
	Pid         int
	Spawns      int
	Exits       int
	LastProbe   *ProbeResult
	LastProbeAt time.Time
}

type slot struct {
	index       int
	state       SlotState
	proc        Process
	spawns      int
	exits       []time.Time
	lastProbe   *ProbeResult
	lastProbeAt time.Time
}

type exitEvent struct {
	slot int
	proc Process
	err  error
}

type Supervisor struct {
	spawner Spawner
	log     zerolog.Logger
	opts    Options
	now     func() time.Time

	mu    sync.Mutex
	slots []*slot

	exits    chan exitEvent
	restarts chan int
	done     chan struct{}
}

func NewSupervisor(spawner Spawner, log zerolog.Logger, opts Options) *Supervisor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = time.Minute
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	s := &Supervisor{
		spawner:  spawner,
		log:      log.With().Str("component", "supervisor").Int("primary_pid", os.Getpid()).Logger(),
		opts:     opts,
		now:      time.Now,
		slots:    make([]*slot, opts.Workers),
		exits:    make(chan exitEvent, opts.Workers),
		restarts: make(chan int, opts.Workers),
		done:     make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = &slot{index: i}
	}

	return s
}

// Run starts every worker and supervises them until ctx is cancelled, then
// stops them. It returns ErrAllWorkersDisabled if every slot is disabled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	s.log.Info().Int("workers", len(s.slots)).Msg("starting workers")
	for i := range s.slots {
		s.start(i)
	}

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.exits:
			s.handleExit(ev)
			if s.allDisabled() {
				s.log.Error().Msg("no worker slots left")
				s.shutdown()
				return ErrAllWorkersDisabled
			}
		case i := <-s.restarts:
			s.start(i)
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

func (s *Supervisor) start(i int) {
	s.mu.Lock()
	sl := s.slots[i]
	sl.state = Starting
	sl.spawns++
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(i)
	if err != nil {
		s.log.Error().Err(err).Int("slot", i).Msg("failed to start worker")
		go s.reportExit(exitEvent{slot: i, err: err})
		return
	}

	s.mu.Lock()
	sl.proc = proc
	sl.state = Online
	s.mu.Unlock()

	s.log.Info().Int("slot", i).Int("worker_pid", proc.Pid()).Msg("worker started")

	go func() {
		err := proc.Wait()
		s.reportExit(exitEvent{slot: i, proc: proc, err: err})
	}()
}

func (s *Supervisor) reportExit(ev exitEvent) {
	select {
	case s.exits <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[ev.slot]
	if sl.proc != ev.proc {
		return
	}

	pid := 0
	if ev.proc != nil {
		pid = ev.proc.Pid()
	}
	sl.proc = nil
	sl.state = Exited

	now := s.now()
	cutoff := now.Add(-s.opts.RestartWindow)
	recent := sl.exits[:0]
	for _, t := range sl.exits {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	sl.exits = append(recent, now)

	if len(sl.exits) > s.opts.MaxRestarts {
		sl.state = Disabled
		s.log.WithLevel(zerolog.FatalLevel).
			Err(ev.err).
			Int("slot", ev.slot).
			Int("worker_pid", pid).
			Int("exits", len(sl.exits)).
			Dur("window", s.opts.RestartWindow).
			Msg("worker crashed too many times, not restarting")
		return
	}

	sl.state = Restarting
	s.log.Warn().
		Err(ev.err).
		Int("slot", ev.slot).
		Int("worker_pid", pid).
		Dur("delay", s.opts.RestartDelay).
		Msg("worker exited, restarting")

	i := ev.slot
	time.AfterFunc(s.opts.RestartDelay, func() {
		select {
		case s.restarts <- i:
		case <-s.done:
		}
	})
}

func (s *Supervisor) allDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.state != Disabled {
			return false
		}
	}
	return true
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.state != Online || sl.proc == nil {
			continue
		}
		go s.probe(ctx, sl.index, sl.proc)
	}
}

func (s *Supervisor) probe(ctx context.Context, i int, proc Process) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeInterval)
	defer cancel()

	res, err := proc.Probe(ctx)
	if err != nil {
		s.log.Warn().Err(err).Int("slot", i).Int("worker_pid", proc.Pid()).Msg("health probe failed")
		return
	}

	s.mu.Lock()
	sl := s.slots[i]
	if sl.proc == proc {
		sl.lastProbe = &res
		sl.lastProbeAt = s.now()
	}
	s.mu.Unlock()

	s.log.Debug().
		Int("slot", i).
		Int("worker_pid", res.Pid).
		Str("status", res.Status).
		Uint64("heap_alloc", res.Memory.HeapAlloc).
		Msg("health probe")
}

// shutdown signals every live worker, waits for the grace period and kills
// whatever is still running.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	live := make(map[Process]int)
	for _, sl := range s.slots {
		if sl.proc != nil {
			live[sl.proc] = sl.index
		}
	}
	s.mu.Unlock()

	s.log.Info().Int("workers", len(live)).Dur("grace", s.opts.ShutdownGrace).Msg("stopping workers")

	for proc, i := range live {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn().Err(err).Int("slot", i).Msg("failed to signal worker")
		}
	}

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()

	killed := false
	for len(live) > 0 {
		select {
		case ev := <-s.exits:
			if ev.proc == nil {
				continue
			}
			if _, ok := live[ev.proc]; ok {
				delete(live, ev.proc)
				s.markStopped(ev)
			}
		case <-grace.C:
			if killed {
				s.log.Error().Int("workers", len(live)).Msg("workers still running after kill, giving up")
				return
			}
			killed = true
			grace.Reset(s.opts.ShutdownGrace)
			for proc, i := range live {
				s.log.Warn().Int("slot", i).Int("worker_pid", proc.Pid()).Msg("worker did not stop in time, killing")
				if err := proc.Kill(); err != nil {
					s.log.Error().Err(err).Int("slot", i).Msg("failed to kill worker")
				}
			}
		}
	}

	s.log.Info().Msg("all workers stopped")
}

func (s *Supervisor) markStopped(ev exitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slots[ev.slot]
	if sl.proc == ev.proc {
		sl.proc = nil
		sl.state = Exited
	}
}

// Slots returns a snapshot of every slot.
func (s *Supervisor) Slots() []SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SlotInfo, len(s.slots))
	for i, sl := range s.slots {
		infos[i] = SlotInfo{
			Index:       sl.index,
			State:       sl.state,
			Spawns:      sl.spawns,
			Exits:       len(sl.exits),
			LastProbe:   sl.lastProbe,
			LastProbeAt: sl.lastProbeAt,
		}
		if sl.proc != nil {
			infos[i].Pid = sl.proc.Pid()
		}
	}
	return infos
}
