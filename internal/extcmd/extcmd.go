// Package extcmd implements the Nagios-style external command pipe:
// a FIFO accepting "[<timestamp>] <COMMAND>;<arg>;..." lines for
// passive results, acknowledgements, downtimes and comments.
package extcmd

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Command is one parsed external command line.
type Command struct {
	Timestamp int64
	Name      string
	Args      []string
	Raw       string
}

// Actions are the engine callbacks the processor dispatches into.
type Actions struct {
	SubmitPassive        func(objType, objName string, exitStatus int, output string)
	Acknowledge          func(objType, objName, author, comment string, sticky bool) error
	ClearAcknowledgement func(objType, objName string) error
	ScheduleDowntime     func(objType, objName, author, comment string, start, end time.Time, fixed bool, duration float64) error
	RemoveDowntimeByID   func(id uint64) error
	AddComment           func(objType, objName, author, comment string) error
	RemoveCommentByID    func(id uint64) error
	ForceCheck           func(objType, objName string)
}

// Processor reads external commands from a named pipe and applies them
// through the engine callbacks.
type Processor struct {
	pipePath string
	actions  Actions
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor creates a processor for the given FIFO path.
func NewProcessor(pipePath string, actions Actions) *Processor {
	return &Processor{
		pipePath: pipePath,
		actions:  actions,
		stopChan: make(chan struct{}),
	}
}

// Start creates the FIFO if needed and begins reading it.
func (p *Processor) Start() error {
	if _, err := os.Stat(p.pipePath); os.IsNotExist(err) {
		if err := mkfifo(p.pipePath); err != nil {
			return trace.Wrap(err, "create command pipe %s", p.pipePath)
		}
	}
	p.wg.Add(1)
	go p.readLoop()
	return nil
}

// Stop stops the processor.
func (p *Processor) Stop() {
	close(p.stopChan)
	// Unblock the readLoop if it's stuck in os.Open() on the FIFO.
	// Use O_WRONLY|O_NONBLOCK so this open doesn't block itself,
	// and the write-side open wakes up the blocking read-side open.
	fd, err := syscall.Open(p.pipePath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err == nil {
		syscall.Close(fd)
	}
	p.wg.Wait()
}

func (p *Processor) readLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		f, err := os.Open(p.pipePath)
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
				continue
			}
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			select {
			case <-p.stopChan:
				f.Close()
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			cmd, err := Parse(line)
			if err != nil {
				log.WithError(err).Warn("Ignoring malformed external command")
				continue
			}
			p.Dispatch(cmd)
		}
		f.Close()
	}
}

// Dispatch applies one command. Unknown commands are logged and
// dropped.
func (p *Processor) Dispatch(cmd *Command) {
	if err := p.dispatch(cmd); err != nil {
		log.WithError(err).WithField("command", cmd.Name).Warn("External command failed")
	}
}

func (p *Processor) dispatch(cmd *Command) error {
	a := p.actions
	switch cmd.Name {
	case "PROCESS_HOST_CHECK_RESULT":
		if err := needArgs(cmd, 3); err != nil {
			return err
		}
		code, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			return trace.BadParameter("invalid return code %q", cmd.Args[1])
		}
		a.SubmitPassive("Host", cmd.Args[0], code, cmd.Args[2])
	case "PROCESS_SERVICE_CHECK_RESULT":
		if err := needArgs(cmd, 4); err != nil {
			return err
		}
		code, err := strconv.Atoi(cmd.Args[2])
		if err != nil {
			return trace.BadParameter("invalid return code %q", cmd.Args[2])
		}
		a.SubmitPassive("Service", serviceName(cmd.Args[0], cmd.Args[1]), code, cmd.Args[3])
	case "ACKNOWLEDGE_HOST_PROBLEM":
		// host;sticky;notify;persistent;author;comment
		if err := needArgs(cmd, 6); err != nil {
			return err
		}
		return a.Acknowledge("Host", cmd.Args[0], cmd.Args[4], cmd.Args[5], cmd.Args[1] == "2")
	case "ACKNOWLEDGE_SVC_PROBLEM":
		// host;svc;sticky;notify;persistent;author;comment
		if err := needArgs(cmd, 7); err != nil {
			return err
		}
		return a.Acknowledge("Service", serviceName(cmd.Args[0], cmd.Args[1]),
			cmd.Args[5], cmd.Args[6], cmd.Args[2] == "2")
	case "REMOVE_HOST_ACKNOWLEDGEMENT":
		if err := needArgs(cmd, 1); err != nil {
			return err
		}
		return a.ClearAcknowledgement("Host", cmd.Args[0])
	case "REMOVE_SVC_ACKNOWLEDGEMENT":
		if err := needArgs(cmd, 2); err != nil {
			return err
		}
		return a.ClearAcknowledgement("Service", serviceName(cmd.Args[0], cmd.Args[1]))
	case "SCHEDULE_HOST_DOWNTIME":
		// host;start;end;fixed;trigger_id;duration;author;comment
		if err := needArgs(cmd, 8); err != nil {
			return err
		}
		return p.scheduleDowntime("Host", cmd.Args[0], cmd.Args[1:])
	case "SCHEDULE_SVC_DOWNTIME":
		// host;svc;start;end;fixed;trigger_id;duration;author;comment
		if err := needArgs(cmd, 9); err != nil {
			return err
		}
		return p.scheduleDowntime("Service", serviceName(cmd.Args[0], cmd.Args[1]), cmd.Args[2:])
	case "DEL_HOST_DOWNTIME", "DEL_SVC_DOWNTIME":
		if err := needArgs(cmd, 1); err != nil {
			return err
		}
		id, err := strconv.ParseUint(cmd.Args[0], 10, 64)
		if err != nil {
			return trace.BadParameter("invalid downtime id %q", cmd.Args[0])
		}
		return a.RemoveDowntimeByID(id)
	case "ADD_HOST_COMMENT":
		// host;persistent;author;comment
		if err := needArgs(cmd, 4); err != nil {
			return err
		}
		return a.AddComment("Host", cmd.Args[0], cmd.Args[2], cmd.Args[3])
	case "ADD_SVC_COMMENT":
		// host;svc;persistent;author;comment
		if err := needArgs(cmd, 5); err != nil {
			return err
		}
		return a.AddComment("Service", serviceName(cmd.Args[0], cmd.Args[1]), cmd.Args[3], cmd.Args[4])
	case "SCHEDULE_FORCED_HOST_CHECK":
		// host;check_time (the check_time is ignored, the check runs now)
		if err := needArgs(cmd, 2); err != nil {
			return err
		}
		a.ForceCheck("Host", cmd.Args[0])
	case "SCHEDULE_FORCED_SVC_CHECK":
		// host;svc;check_time
		if err := needArgs(cmd, 3); err != nil {
			return err
		}
		a.ForceCheck("Service", serviceName(cmd.Args[0], cmd.Args[1]))
	case "DEL_HOST_COMMENT", "DEL_SVC_COMMENT":
		if err := needArgs(cmd, 1); err != nil {
			return err
		}
		id, err := strconv.ParseUint(cmd.Args[0], 10, 64)
		if err != nil {
			return trace.BadParameter("invalid comment id %q", cmd.Args[0])
		}
		return a.RemoveCommentByID(id)
	default:
		log.WithField("command", cmd.Name).Debug("Ignoring unsupported external command")
	}
	return nil
}

// scheduleDowntime handles the tail of the SCHEDULE_*_DOWNTIME arg
// lists: start;end;fixed;trigger_id;duration;author;comment.
func (p *Processor) scheduleDowntime(objType, objName string, args []string) error {
	start, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return trace.BadParameter("invalid start time %q", args[0])
	}
	end, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return trace.BadParameter("invalid end time %q", args[1])
	}
	fixed := args[2] == "1"
	duration, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return trace.BadParameter("invalid duration %q", args[4])
	}
	return p.actions.ScheduleDowntime(objType, objName, args[5], args[6],
		time.Unix(start, 0), time.Unix(end, 0), fixed, duration)
}

func needArgs(cmd *Command, n int) error {
	if len(cmd.Args) < n {
		return trace.BadParameter("%s wants %d arguments, got %d", cmd.Name, n, len(cmd.Args))
	}
	return nil
}

func serviceName(host, description string) string {
	return host + "!" + description
}

// Parse parses a single external command line.
// Format: [<timestamp>] <COMMAND_NAME>;<arg1>;<arg2>;...
func Parse(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil, trace.BadParameter("empty command")
	}
	if line[0] != '[' {
		return nil, trace.BadParameter("missing timestamp bracket")
	}
	closeBracket := strings.IndexByte(line, ']')
	if closeBracket < 0 {
		return nil, trace.BadParameter("missing closing bracket")
	}
	ts, err := strconv.ParseInt(line[1:closeBracket], 10, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid timestamp: %v", err)
	}
	rest := strings.TrimSpace(line[closeBracket+1:])

	cmd := &Command{Timestamp: ts, Raw: line}
	semiIdx := strings.IndexByte(rest, ';')
	if semiIdx < 0 {
		cmd.Name = rest
		return cmd, nil
	}
	cmd.Name = rest[:semiIdx]
	cmd.Args = splitArgs(cmd.Name, rest[semiIdx+1:])
	return cmd, nil
}

// splitArgs splits on semicolons up to the command's expected arg
// count; the last argument keeps any semicolons it contains.
func splitArgs(cmdName, argStr string) []string {
	n := expectedArgCount(cmdName)
	if n <= 0 {
		if argStr == "" {
			return nil
		}
		return []string{argStr}
	}
	args := make([]string, 0, n)
	remaining := argStr
	for i := 0; i < n-1; i++ {
		idx := strings.IndexByte(remaining, ';')
		if idx < 0 {
			args = append(args, remaining)
			return args
		}
		args = append(args, remaining[:idx])
		remaining = remaining[idx+1:]
	}
	args = append(args, remaining)
	return args
}

func expectedArgCount(cmdName string) int {
	switch cmdName {
	case "PROCESS_HOST_CHECK_RESULT":
		return 3 // host;return_code;output
	case "PROCESS_SERVICE_CHECK_RESULT":
		return 4 // host;svc;return_code;output
	case "ACKNOWLEDGE_HOST_PROBLEM":
		return 6 // host;sticky;notify;persistent;author;comment
	case "ACKNOWLEDGE_SVC_PROBLEM":
		return 7 // host;svc;sticky;notify;persistent;author;comment
	case "REMOVE_HOST_ACKNOWLEDGEMENT":
		return 1
	case "REMOVE_SVC_ACKNOWLEDGEMENT":
		return 2
	case "SCHEDULE_HOST_DOWNTIME":
		return 8 // host;start;end;fixed;trigger_id;duration;author;comment
	case "SCHEDULE_SVC_DOWNTIME":
		return 9 // host;svc;start;end;fixed;trigger_id;duration;author;comment
	case "DEL_HOST_DOWNTIME", "DEL_SVC_DOWNTIME":
		return 1
	case "ADD_HOST_COMMENT":
		return 4 // host;persistent;author;comment
	case "ADD_SVC_COMMENT":
		return 5 // host;svc;persistent;author;comment
	case "DEL_HOST_COMMENT", "DEL_SVC_COMMENT":
		return 1
	case "SCHEDULE_FORCED_HOST_CHECK":
		return 2 // host;check_time
	case "SCHEDULE_FORCED_SVC_CHECK":
		return 3 // host;svc;check_time
	default:
		return 0
	}
}

// mkfifo creates a named pipe.
func mkfifo(path string) error {
	return mkfifoImpl(path)
}
