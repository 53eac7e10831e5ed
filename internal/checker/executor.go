package checker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/oceanplexian/icingo/internal/objects"
)

const maxPluginOutput = 8192

// Job describes one check execution.
type Job struct {
	ObjectType string
	ObjectName string

	CommandLine   string
	Timeout       time.Duration
	ScheduleStart time.Time // when the check was due
}

// Completion pairs a finished job with its result.
type Completion struct {
	Job    Job
	Result *objects.CheckResult
}

// Executor runs check plugins with a global concurrency cap. Each job
// gets an individual deadline; exceeding it yields a synthetic UNKNOWN
// result, as does any failure to launch the plugin.
type Executor struct {
	sem     *semaphore.Weighted
	results chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor capped at maxConcurrent in-flight
// plugin processes.
func NewExecutor(maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		results: make(chan Completion, maxConcurrent*4),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Results is the channel completed checks are delivered on.
func (e *Executor) Results() <-chan Completion {
	return e.results
}

// Submit queues a job for execution. It never blocks the caller; the
// concurrency cap is enforced inside the worker goroutine.
func (e *Executor) Submit(job Job) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return // shutting down
		}
		defer e.sem.Release(1)
		cr := e.run(job)
		select {
		case e.results <- Completion{Job: job, Result: cr}:
		case <-e.ctx.Done():
		}
	}()
}

// Shutdown waits for in-flight checks to finish or for their own
// deadlines to elapse, up to the grace timeout; whatever is still
// running after that is cancelled.
func (e *Executor) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("Executor shutdown grace elapsed, cancelling in-flight checks")
	}
	e.cancel()
	<-done
}

// run executes the plugin via /bin/sh -c and builds the CheckResult.
func (e *Executor) run(job Job) *objects.CheckResult {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	cr := &objects.CheckResult{
		ScheduleStart: job.ScheduleStart,
		Active:        true,
	}
	if cr.ScheduleStart.IsZero() {
		cr.ScheduleStart = time.Now()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", job.CommandLine)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cr.ExecutionStart = time.Now()
	err := cmd.Run()
	cr.ExecutionEnd = time.Now()
	cr.ScheduleEnd = cr.ExecutionEnd

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		cr.ExitStatus = 3
		cr.Output = fmt.Sprintf("(Check timed out after %.0f seconds)", timeout.Seconds())
		return cr
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				cr.ExitStatus = ws.ExitStatus()
			} else {
				cr.ExitStatus = 3
			}
		} else {
			// Could not launch at all: missing binary, fork failure.
			cr.ExitStatus = 3
			cr.Output = fmt.Sprintf("(Could not execute plugin: %v)", err)
			return cr
		}
	default:
		cr.ExitStatus = 0
	}

	raw := stdout.String()
	if raw == "" && stderr.Len() > 0 {
		raw = "(No output on stdout) stderr: " + stderr.String()
	}
	if len(raw) > maxPluginOutput {
		raw = raw[:maxPluginOutput]
	}
	parsed := ParseOutput(raw)
	cr.Output = parsed.ShortOutput
	cr.LongOutput = parsed.LongOutput
	cr.PerformanceData = parsed.PerfData
	return cr
}
