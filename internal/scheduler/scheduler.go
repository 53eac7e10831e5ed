// Package scheduler drives per-checkable next-check times. For every
// checkable this peer is checker-authoritative for, it keeps exactly
// one check in flight at the right time, bounded by the global
// concurrency cap enforced in the executor.
package scheduler

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/checker"
	"github.com/oceanplexian/icingo/internal/macros"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

// yieldInterval is how long a non-owned checkable is parked before its
// ownership is re-evaluated.
const yieldInterval = 60 * time.Second

// ackSweepInterval is how often acknowledgement expiries are checked.
const ackSweepInterval = 30 * time.Second

// Authority answers checker-feature ownership queries.
type Authority interface {
	IsAuthoritative(objType, objName, feature string) bool
}

// PassiveResult is a check result submitted by an external source
// (command pipe or cluster); no job is enqueued for it.
type PassiveResult struct {
	ObjectType string
	ObjectName string
	Result     *objects.CheckResult
}

// Scheduler owns the idle and pending sets and the main loop.
type Scheduler struct {
	reg      *runtime.Registry
	exec     *checker.Executor
	machine  *checker.StateMachine
	auth     Authority
	bus      *bus.Bus
	expander *macros.Expander

	idle    *checkQueue
	pending map[string]time.Time // key -> schedule start

	passiveCh chan PassiveResult
	opCh      chan func()
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a scheduler; call Init then Run.
func New(reg *runtime.Registry, exec *checker.Executor, machine *checker.StateMachine, auth Authority, b *bus.Bus) *Scheduler {
	return &Scheduler{
		reg:       reg,
		exec:      exec,
		machine:   machine,
		auth:      auth,
		bus:       b,
		expander:  &macros.Expander{Host: reg.Host, Service: reg.Service},
		idle:      newCheckQueue(),
		pending:   make(map[string]time.Time),
		passiveCh: make(chan PassiveResult, 256),
		opCh:      make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Init queues every registered checkable.
func (s *Scheduler) Init() {
	now := time.Now()
	for _, ref := range s.reg.Checkables() {
		c, _ := s.reg.Checkable(ref.Type, ref.Name)
		if c == nil {
			continue
		}
		due := c.NextCheck
		if due.IsZero() {
			due = now
		}
		s.idle.Push(ref.Type, ref.Name, due)
	}
}

// SubmitPassive hands an externally produced check result to the
// scheduler loop.
func (s *Scheduler) SubmitPassive(r PassiveResult) {
	select {
	case s.passiveCh <- r:
	case <-s.stopCh:
	}
}

// AddCheckable inserts a new checkable into the idle set.
func (s *Scheduler) AddCheckable(typ, name string) {
	s.op(func() { s.idle.Push(typ, name, time.Now()) })
}

// ForceCheck pulls a checkable's next check forward to now, for
// freshness enforcement and external reschedule commands.
func (s *Scheduler) ForceCheck(typ, name string) {
	s.op(func() {
		c, obj := s.reg.Checkable(typ, name)
		if c == nil {
			return
		}
		now := time.Now()
		s.setNextCheck(typ, name, c, obj, now)
		s.idle.Push(typ, name, now)
	})
}

// RemoveCheckable drops a checkable. An in-flight check's result is
// discarded at completion because the pending entry is removed here.
func (s *Scheduler) RemoveCheckable(typ, name string) {
	s.op(func() {
		s.idle.Remove(typ, name)
		delete(s.pending, typ+"/"+name)
	})
}

// Rebalance applies an authority change: lost objects leave the idle
// set, gained objects are scheduled with a small jitter so a rejoining
// zone does not thundering-herd its plugins.
func (s *Scheduler) Rebalance(gained, lost []runtime.CheckableRef) {
	s.op(func() {
		now := time.Now()
		for _, ref := range lost {
			s.idle.Remove(ref.Type, ref.Name)
		}
		for _, ref := range gained {
			s.idle.Push(ref.Type, ref.Name, now.Add(jitter(10*time.Second)))
		}
		log.WithFields(log.Fields{"gained": len(gained), "lost": len(lost)}).
			Info("Scheduler rebalanced after authority change")
	})
}

// Stop signals the loop to exit and waits for it.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *Scheduler) op(fn func()) {
	select {
	case s.opCh <- fn:
	case <-s.stopCh:
	}
}

// Run is the main loop. It blocks until Stop is called.
func (s *Scheduler) Run() {
	defer close(s.doneCh)
	ackSweep := time.NewTicker(ackSweepInterval)
	defer ackSweep.Stop()

	for {
		var timerCh <-chan time.Time
		timer := time.NewTimer(time.Second)
		if next := s.idle.Peek(); next != nil {
			wait := time.Until(next.due)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
		timerCh = timer.C

		select {
		case <-s.stopCh:
			timer.Stop()
			return

		case fn := <-s.opCh:
			timer.Stop()
			fn()

		case pr := <-s.passiveCh:
			timer.Stop()
			s.handlePassive(pr)

		case comp := <-s.exec.Results():
			timer.Stop()
			s.handleCompletion(comp)

		case <-ackSweep.C:
			timer.Stop()
			s.sweepAcknowledgements()

		case <-timerCh:
			s.fireDue()
		}
	}
}

// fireDue launches every check whose effective next-check time has
// arrived. A panic while handling one checkable isolates that
// checkable instead of killing the engine.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		next := s.idle.Peek()
		if next == nil || next.due.After(now) {
			return
		}
		it := s.idle.Pop()
		s.fireOne(it, now)
	}
}

func (s *Scheduler) fireOne(it *item, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"object": it.key(), "panic": r}).
				Error("Scheduling failure, isolating checkable")
			delete(s.pending, it.key())
		}
	}()

	c, obj := s.reg.Checkable(it.typ, it.name)
	if c == nil {
		return // deleted
	}

	// At most one in-flight check per checkable: if a passive result
	// re-queued this entry while a job is executing, the completion
	// path will reschedule it.
	if _, executing := s.pending[it.key()]; executing {
		return
	}

	// Yield to the owner; ownership is re-evaluated on requeue.
	if !s.auth.IsAuthoritative(it.typ, it.name, objects.FeatureChecker) {
		s.idle.Push(it.typ, it.name, now.Add(yieldInterval))
		return
	}

	obj.Lock()
	active := c.EnableActiveChecks
	nextCheck := c.NextCheck
	interval := c.CheckInterval
	lastCheck := c.LastCheck
	period := c.CheckPeriod
	command := c.CheckCommand
	obj.Unlock()

	if !active {
		s.idle.Push(it.typ, it.name, now.Add(yieldInterval))
		return
	}

	// A zero next-check means a fresh schedule: spread checks across
	// the first fifth of the interval.
	if nextCheck.IsZero() {
		base := now
		if lastCheck.After(base) {
			base = lastCheck
		}
		nextCheck = base.Add(jitter(seconds(interval, 300) / 5))
		s.setNextCheck(it.typ, it.name, c, obj, nextCheck)
		s.idle.Push(it.typ, it.name, nextCheck)
		return
	}
	// The queue entry may be stale if a passive result or replication
	// advanced next_check while we slept.
	if nextCheck.After(now) {
		s.idle.Push(it.typ, it.name, nextCheck)
		return
	}

	// Outside the check period the check is deferred.
	if period != "" {
		if tp := s.reg.TimePeriod(period); tp != nil && !tp.Contains(now, s.reg.TimePeriod) {
			s.idle.Push(it.typ, it.name, now.Add(yieldInterval))
			return
		}
	}

	cmdName, args := macros.SplitCommand(command)
	cmd := s.reg.CheckCommand(cmdName)
	if cmd == nil {
		log.WithFields(log.Fields{"object": it.key(), "command": cmdName}).
			Warn("Check command not found, deferring check")
		s.idle.Push(it.typ, it.name, now.Add(yieldInterval))
		return
	}

	obj.Lock()
	c.Executing = true
	obj.Unlock()
	s.pending[it.key()] = nextCheck
	s.exec.Submit(checker.Job{
		ObjectType:    it.typ,
		ObjectName:    it.name,
		CommandLine:   s.expander.Expand(cmd.CommandLine, it.typ, it.name, args),
		Timeout:       cmd.TimeoutDuration(),
		ScheduleStart: nextCheck,
	})
}

// handleCompletion re-verifies the pending entry and the entity, runs
// the state machine, and returns the checkable to the idle set.
func (s *Scheduler) handleCompletion(comp checker.Completion) {
	key := comp.Job.ObjectType + "/" + comp.Job.ObjectName
	if _, ok := s.pending[key]; !ok {
		log.WithField("object", key).Debug("Discarding result for removed checkable")
		return
	}
	delete(s.pending, key)
	s.process(comp.Job.ObjectType, comp.Job.ObjectName, comp.Result)
}

func (s *Scheduler) handlePassive(pr PassiveResult) {
	c, obj := s.reg.Checkable(pr.ObjectType, pr.ObjectName)
	if c == nil {
		log.WithField("object", pr.ObjectType+"/"+pr.ObjectName).
			Warn("Passive result for unknown checkable")
		return
	}
	obj.Lock()
	passive := c.EnablePassiveChecks
	obj.Unlock()
	if !passive {
		log.WithField("object", pr.ObjectType+"/"+pr.ObjectName).
			Debug("Passive checks disabled, dropping result")
		return
	}
	s.process(pr.ObjectType, pr.ObjectName, pr.Result)
}

// process maps the exit status, runs the state machine and reschedules.
func (s *Scheduler) process(typ, name string, cr *objects.CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"object": typ + "/" + name, "panic": r}).
				Error("Result processing failure, isolating checkable")
			s.idle.Remove(typ, name)
		}
	}()

	switch typ {
	case "Host":
		h := s.reg.Host(name)
		if h == nil {
			return
		}
		if cr.Active {
			cr.State = checker.HostStateFromExit(cr.ExitStatus)
		}
		s.machine.ProcessHost(h, cr)
		s.idle.Push(typ, name, h.NextCheck)
	case "Service":
		svc := s.reg.Service(name)
		if svc == nil {
			return
		}
		if cr.Active {
			cr.State = checker.ServiceStateFromExit(cr.ExitStatus)
		}
		s.machine.ProcessService(svc, cr)
		s.idle.Push(typ, name, svc.NextCheck)
	}
}

func (s *Scheduler) sweepAcknowledgements() {
	for _, ref := range s.reg.Checkables() {
		c, obj := s.reg.Checkable(ref.Type, ref.Name)
		if c == nil {
			continue
		}
		obj.Lock()
		s.machine.ExpireAcknowledgement(ref.Type, ref.Name, c)
		obj.Unlock()
	}
}

func (s *Scheduler) setNextCheck(typ, name string, c *objects.Checkable, obj runtime.Object, next time.Time) {
	obj.Lock()
	c.NextCheck = next
	obj.Unlock()
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:       bus.KindNextCheckChanged,
			Authority:  s.reg.LocalEndpoint(),
			ObjectType: typ,
			ObjectName: name,
			Data:       bus.NextCheckChangedData{NextCheck: next},
		})
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func seconds(v float64, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}
