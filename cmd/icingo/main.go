// Command icingo is the distributed monitoring engine: it schedules
// checks for the objects it is authoritative for, runs the host and
// service state machines, and replicates results across the zone over
// mutually authenticated TLS links.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/authority"
	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/checker"
	"github.com/oceanplexian/icingo/internal/cluster"
	"github.com/oceanplexian/icingo/internal/config"
	"github.com/oceanplexian/icingo/internal/downtime"
	"github.com/oceanplexian/icingo/internal/extcmd"
	"github.com/oceanplexian/icingo/internal/freshness"
	"github.com/oceanplexian/icingo/internal/logging"
	"github.com/oceanplexian/icingo/internal/notify"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/perfdata"
	"github.com/oceanplexian/icingo/internal/replay"
	"github.com/oceanplexian/icingo/internal/runtime"
	"github.com/oceanplexian/icingo/internal/scheduler"
)

const version = "0.3.0"

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitStateIO  = 2
	exitInternal = 3
)

const (
	snapshotInterval = 60 * time.Second
	sweepInterval    = 30 * time.Second
	// Consecutive snapshot failures tolerated before the state path is
	// declared unusable.
	maxSnapshotFailures = 10
)

func main() {
	var verify, debug bool
	var configFile string

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; arg {
		case "-v", "--verify-config":
			verify = true
		case "-d", "--debug":
			debug = true
		case "-c", "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Option -c requires an argument")
				os.Exit(exitConfig)
			}
			i++
			configFile = args[i]
		case "-V", "--version":
			fmt.Printf("icingo %s\n", version)
			os.Exit(exitOK)
		case "-h", "--help":
			printUsage()
			os.Exit(exitOK)
		default:
			if len(arg) > 0 && arg[0] == '-' {
				fmt.Fprintf(os.Stderr, "Unknown option: %s\n", arg)
				printUsage()
				os.Exit(exitConfig)
			}
			configFile = arg
		}
	}
	if configFile == "" {
		configFile = os.Getenv("ICINGA_CONFIG_FILE")
	}
	if configFile == "" {
		printUsage()
		os.Exit(exitConfig)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", trace.UserMessage(err))
		os.Exit(exitConfig)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		fmt.Fprintf(os.Stderr, "\nTotal Errors: %d\n", len(errs))
		os.Exit(exitConfig)
	}
	if verify {
		fmt.Printf("Checked %d commands.\n", len(cfg.Commands))
		fmt.Printf("Checked %d timeperiods.\n", len(cfg.TimePeriods))
		fmt.Printf("Checked %d hosts.\n", len(cfg.Hosts))
		fmt.Printf("Checked %d services.\n", len(cfg.Services))
		fmt.Printf("Checked %d endpoints.\n", len(cfg.Endpoints))
		fmt.Printf("Checked %d zones.\n", len(cfg.Zones))
		fmt.Println("\nNo problems were detected during the pre-flight check")
		os.Exit(exitOK)
	}

	os.Exit(run(cfg, debug))
}

func printUsage() {
	fmt.Printf("\nicingo %s\n\n", version)
	fmt.Printf("Usage: %s [options] [config_file]\n\n", os.Args[0])
	fmt.Println("The config file may also be given via ICINGA_CONFIG_FILE.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config <file>    Configuration file")
	fmt.Println("  -v, --verify-config    Verify the configuration and exit")
	fmt.Println("  -d, --debug            Enable debug logging")
	fmt.Println("  -V, --version          Print version information")
	fmt.Println("  -h, --help             Print this help message")
	fmt.Println()
}

func run(cfg *config.File, debug bool) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Unrecoverable internal error")
			exitCode = exitInternal
		}
	}()

	logCloser, err := logging.Setup(logging.Options{Debug: debug || cfg.Engine.Debug, Dir: cfg.Engine.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", trace.UserMessage(err))
		return exitStateIO
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	local := cfg.Cluster.Endpoint
	if local == "" {
		if local, err = os.Hostname(); err != nil {
			local = "local"
		}
	}
	log.WithFields(log.Fields{"version": version, "endpoint": local}).Info("Starting icingo")

	stateDir := cfg.Engine.StateDir
	if stateDir == "" {
		stateDir = "."
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.WithError(err).Error("Cannot create state directory")
		return exitStateIO
	}
	statePath := filepath.Join(stateDir, "state.dat")

	b := bus.New()
	reg := runtime.New(b, local)
	if err := config.Apply(cfg, reg); err != nil {
		log.WithError(err).Error("Cannot register configured objects")
		return exitConfig
	}
	if err := reg.Restore(statePath); err != nil {
		log.WithError(err).Error("Cannot restore state snapshot")
		return exitStateIO
	}

	bookmarks, err := replay.LoadBookmarks(filepath.Join(stateDir, "bookmarks.json"))
	if err != nil {
		log.WithError(err).Error("Cannot load replay bookmarks")
		return exitStateIO
	}
	journal, err := replay.Open(filepath.Join(stateDir, "log"),
		cfg.Cluster.SegmentSizeMB*1024*1024,
		time.Duration(cfg.Cluster.RetentionDays)*24*time.Hour)
	if err != nil {
		log.WithError(err).Error("Cannot open replay journal")
		return exitStateIO
	}

	arb := authority.New(reg, local)
	notifier := &notify.Notifier{
		Bus:          b,
		Authority:    local,
		LookupPeriod: reg.TimePeriod,
		IsAuthoritative: func(objType, objName string) bool {
			return arb.IsAuthoritative(objType, objName, objects.FeatureNotifier)
		},
	}
	machine := &checker.StateMachine{
		Bus:        b,
		Authority:  local,
		LookupHost: reg.Host,
		OnNotification: func(objType, objName string, c *objects.Checkable, reachable bool) {
			notifier.Deliver(objType, objName, c, reachable)
		},
	}
	exec := checker.NewExecutor(cfg.Engine.MaxConcurrentChecks)
	sched := scheduler.New(reg, exec, machine, arb, b)
	arb.OnRebalance = sched.Rebalance
	dtm := downtime.NewManager(reg, b, local)

	fresh := freshness.New(reg, time.Now())
	fresh.ForceCheck = sched.ForceCheck
	fresh.SubmitStale = func(objType, objName string, age time.Duration) {
		now := time.Now()
		cr := &objects.CheckResult{
			ScheduleStart:  now,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			ExitStatus:     3,
			Output:         fmt.Sprintf("Check result is stale, last update was %s ago", age.Round(time.Second)),
			Active:         false,
		}
		switch objType {
		case "Host":
			cr.State = objects.HostDown
		case "Service":
			cr.State = objects.ServiceUnknown
		}
		sched.SubmitPassive(scheduler.PassiveResult{
			ObjectType: objType,
			ObjectName: objName,
			Result:     cr,
		})
	}

	var pdw *perfdata.Writer
	if cfg.Engine.HostPerfdataFile != "" || cfg.Engine.ServicePerfdataFile != "" {
		pdw, err = perfdata.NewWriter(perfdata.Config{
			HostFile:        cfg.Engine.HostPerfdataFile,
			HostTemplate:    cfg.Engine.HostPerfdataTemplate,
			ServiceFile:     cfg.Engine.ServicePerfdataFile,
			ServiceTemplate: cfg.Engine.ServicePerfdataTemplate,
		})
		if err != nil {
			log.WithError(err).Error("Cannot open performance data files")
			return exitStateIO
		}
		pdw.Subscribe(b)
	}

	var cl *cluster.Cluster
	if cfg.Cluster.CertFile != "" {
		cl, err = newCluster(cfg, reg, b, arb, journal, bookmarks, sched, dtm, machine)
		if err != nil {
			log.WithError(err).Error("Cannot initialize cluster transport")
			return exitConfig
		}
		if err := cl.Start(); err != nil {
			log.WithError(err).Error("Cannot start cluster transport")
			return exitConfig
		}
	}

	var ext *extcmd.Processor
	if cfg.Engine.CommandFile != "" {
		ext = extcmd.NewProcessor(cfg.Engine.CommandFile, commandActions(sched, dtm))
		if err := ext.Start(); err != nil {
			log.WithError(err).Error("Cannot start external command pipe")
			return exitStateIO
		}
	}

	sched.Init()
	arb.Rebalance()
	go sched.Run()

	stopSweep := make(chan struct{})
	fatal := make(chan int, 1)
	go housekeeping(reg, dtm, fresh, bookmarks, statePath, stopSweep, fatal)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP) // config reload is not supported
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down")
	case code := <-fatal:
		exitCode = code
		log.Error("Persistent state failure, shutting down")
	}

	// Ordered shutdown: stop scheduling, drain in-flight checks, close
	// the command pipe, announce shutdown to peers, then persist.
	close(stopSweep)
	sched.Stop()
	exec.Shutdown(30 * time.Second)
	if ext != nil {
		ext.Stop()
	}
	if cl != nil {
		cl.Stop()
	}
	if pdw != nil {
		pdw.Close(b)
	}
	if err := journal.Close(); err != nil {
		log.WithError(err).Warn("Journal close failed")
	}
	if err := reg.Snapshot(statePath); err != nil {
		log.WithError(err).Error("Final state snapshot failed")
		if exitCode == exitOK {
			exitCode = exitStateIO
		}
	}
	if err := bookmarks.Save(); err != nil {
		log.WithError(err).Error("Final bookmark save failed")
		if exitCode == exitOK {
			exitCode = exitStateIO
		}
	}
	log.Info("Shutdown complete")
	return exitCode
}

// housekeeping runs the periodic snapshot and the downtime, freshness
// and acknowledgement sweeps. Snapshot failures are logged and retried;
// only a persistent failure is fatal.
func housekeeping(reg *runtime.Registry, dtm *downtime.Manager, fresh *freshness.Checker,
	bookmarks *replay.Bookmarks, statePath string, stop <-chan struct{}, fatal chan<- int) {
	snapshot := time.NewTicker(snapshotInterval)
	defer snapshot.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-sweep.C:
			dtm.Sweep()
			fresh.Sweep()
		case <-snapshot.C:
			err := reg.Snapshot(statePath)
			if err == nil {
				err = bookmarks.Save()
			}
			if err != nil {
				failures++
				log.WithError(err).WithField("failures", failures).
					Warn("State snapshot failed, will retry")
				if failures >= maxSnapshotFailures {
					select {
					case fatal <- exitStateIO:
					default:
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// newCluster wires the transport callbacks into the runtime, the
// scheduler and the downtime manager.
func newCluster(cfg *config.File, reg *runtime.Registry, b *bus.Bus, arb *authority.Arbiter,
	journal *replay.Journal, bookmarks *replay.Bookmarks,
	sched *scheduler.Scheduler, dtm *downtime.Manager, machine *checker.StateMachine) (*cluster.Cluster, error) {

	bindAddr := ""
	if cfg.Cluster.BindPort != "" {
		bindAddr = net.JoinHostPort(cfg.Cluster.BindHost, cfg.Cluster.BindPort)
	}

	handlers := cluster.Handlers{
		CheckResult: func(objType, objName string, cr *objects.CheckResult, authorityName string) {
			applyRemoteCheckResult(reg, b, machine, objType, objName, cr, authorityName)
		},
		ConfigUpdate: func(typ, name string, props map[string]json.RawMessage) error {
			return applyConfigUpdate(reg, arb, sched, typ, name, props)
		},
		CommentAdded:      dtm.AdoptComment,
		CommentRemoved:    dtm.DropComment,
		DowntimeAdded:     dtm.AdoptDowntime,
		DowntimeRemoved:   dtm.DropDowntime,
		DowntimeTriggered: dtm.AdoptTrigger,
		AcknowledgementSet: func(objType, objName, author, text string, ackType int, expiry time.Time) error {
			return dtm.AdoptAcknowledgement(objType, objName, author, text, ackType, expiry)
		},
		AcknowledgementCleared: dtm.DropAcknowledgement,
		NextCheckChanged: func(objType, objName string, next time.Time) {
			if c, obj := reg.Checkable(objType, objName); c != nil {
				obj.Lock()
				c.NextCheck = next
				obj.Unlock()
			}
		},
	}

	return cluster.New(cluster.Config{
		BindAddr: bindAddr,
		TLS: cluster.TLSFiles{
			CertFile: cfg.Cluster.CertFile,
			KeyFile:  cfg.Cluster.KeyFile,
			CAFile:   cfg.Cluster.CAFile,
		},
		MaxMessageSize: cfg.Cluster.MaxMessageMB * 1024 * 1024,
	}, reg, b, arb, journal, bookmarks, handlers)
}

// applyRemoteCheckResult feeds a replicated check result through the
// state machine. Only the newest result per object is accepted; events
// re-emitted locally carry the remote authority, so the transport does
// not replicate them again.
func applyRemoteCheckResult(reg *runtime.Registry, b *bus.Bus, machine *checker.StateMachine,
	objType, objName string, cr *objects.CheckResult, authorityName string) {
	if cr == nil {
		return
	}
	c, obj := reg.Checkable(objType, objName)
	if c == nil {
		log.WithField("object", objType+"/"+objName).Warn("Check result for unknown checkable")
		return
	}
	obj.Lock()
	stale := c.LastCheckResult != nil && !cr.ExecutionEnd.After(c.LastCheckResult.ExecutionEnd)
	obj.Unlock()
	if stale {
		return
	}

	remote := checker.StateMachine{
		Bus:        b,
		Authority:  authorityName,
		LookupHost: reg.Host,
		Now:        machine.Now,
	}
	switch objType {
	case "Host":
		remote.ProcessHost(reg.Host(objName), cr)
	case "Service":
		remote.ProcessService(reg.Service(objName), cr)
	}
}

// applyConfigUpdate creates a replicated object if it does not exist
// yet. Updates for known objects are ignored: config is immutable
// after load.
func applyConfigUpdate(reg *runtime.Registry, arb *authority.Arbiter, sched *scheduler.Scheduler,
	typ, name string, props map[string]json.RawMessage) error {
	if _, err := reg.Lookup(typ, name); err == nil {
		return nil
	}
	schema, err := reg.Schema(typ)
	if err != nil {
		return trace.Wrap(err)
	}
	obj := schema.New()
	if err := schema.ApplyJSON(obj, props, runtime.ClassConfig); err != nil {
		return trace.Wrap(err)
	}
	if obj.ObjectName() != name {
		return trace.BadParameter("config update name %q does not match object name %q",
			name, obj.ObjectName())
	}
	if err := reg.Register(obj); err != nil {
		return trace.Wrap(err)
	}
	if typ == "Host" || typ == "Service" {
		arb.Rebalance()
		sched.AddCheckable(typ, name)
	}
	return nil
}

// commandActions maps the external command pipe onto the scheduler and
// the downtime manager.
func commandActions(sched *scheduler.Scheduler, dtm *downtime.Manager) extcmd.Actions {
	return extcmd.Actions{
		SubmitPassive: func(objType, objName string, exitStatus int, output string) {
			now := time.Now()
			parsed := checker.ParseOutput(output)
			cr := &objects.CheckResult{
				ScheduleStart:   now,
				ScheduleEnd:     now,
				ExecutionStart:  now,
				ExecutionEnd:    now,
				ExitStatus:      exitStatus,
				Output:          parsed.ShortOutput,
				LongOutput:      parsed.LongOutput,
				PerformanceData: parsed.PerfData,
				Active:          false,
			}
			switch objType {
			case "Host":
				cr.State = checker.HostStateFromExit(exitStatus)
			case "Service":
				cr.State = checker.ServiceStateFromExit(exitStatus)
			}
			sched.SubmitPassive(scheduler.PassiveResult{
				ObjectType: objType,
				ObjectName: objName,
				Result:     cr,
			})
		},
		Acknowledge: func(objType, objName, author, comment string, sticky bool) error {
			ackType := objects.AckNormal
			if sticky {
				ackType = objects.AckSticky
			}
			return dtm.Acknowledge(objType, objName, author, comment, ackType, time.Time{})
		},
		ClearAcknowledgement: dtm.ClearAcknowledgement,
		ForceCheck:           sched.ForceCheck,
		ScheduleDowntime: func(objType, objName, author, comment string, start, end time.Time, fixed bool, duration float64) error {
			_, err := dtm.ScheduleDowntime(objType, objName, author, comment, start, end, fixed, duration, "")
			return err
		},
		RemoveDowntimeByID: dtm.RemoveDowntimeByLegacyID,
		AddComment: func(objType, objName, author, comment string) error {
			_, err := dtm.AddComment(objects.UserCommentEntry, objType, objName, author, comment, time.Time{})
			return err
		},
		RemoveCommentByID: dtm.RemoveCommentByLegacyID,
	}
}
