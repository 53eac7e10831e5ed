// Package perfdata writes check performance data to template-formatted
// files for external processing (PNP, Graphios and friends). It is a
// local sink: write failures are logged and never block the core.
package perfdata

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

// Default file templates, one line per check result.
const (
	DefaultHostTemplate = "[HOSTPERFDATA]\t$TIMET$\t$HOSTNAME$\t$HOSTEXECUTIONTIME$\t$HOSTOUTPUT$\t$HOSTPERFDATA$"

	DefaultServiceTemplate = "[SERVICEPERFDATA]\t$TIMET$\t$HOSTNAME$\t$SERVICEDESC$\t$SERVICEEXECUTIONTIME$\t$SERVICELATENCY$\t$SERVICEOUTPUT$\t$SERVICEPERFDATA$"
)

// Config names the output files and line templates. An empty file path
// disables that output.
type Config struct {
	HostFile        string
	HostTemplate    string
	ServiceFile     string
	ServiceTemplate string
}

// Writer appends one template-expanded line per CheckResult event.
type Writer struct {
	cfg Config
	sub *bus.Subscription

	mu          sync.Mutex
	hostFile    *os.File
	serviceFile *os.File
}

// NewWriter opens the configured files and returns the writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.HostTemplate == "" {
		cfg.HostTemplate = DefaultHostTemplate
	}
	if cfg.ServiceTemplate == "" {
		cfg.ServiceTemplate = DefaultServiceTemplate
	}
	w := &Writer{cfg: cfg}
	var err error
	if cfg.HostFile != "" {
		if w.hostFile, err = openFile(cfg.HostFile); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if cfg.ServiceFile != "" {
		if w.serviceFile, err = openFile(cfg.ServiceFile); err != nil {
			w.closeFiles()
			return nil, trace.Wrap(err)
		}
	}
	return w, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	return f, trace.Wrap(err, "open perfdata file %s", path)
}

// Subscribe attaches the writer to the bus.
func (w *Writer) Subscribe(b *bus.Bus) {
	w.sub = b.Subscribe(bus.KindCheckResult, w.handle)
}

// Close detaches from the bus and closes the files.
func (w *Writer) Close(b *bus.Bus) {
	if b != nil && w.sub != nil {
		b.Unsubscribe(w.sub)
	}
	w.closeFiles()
}

func (w *Writer) closeFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hostFile != nil {
		w.hostFile.Close()
		w.hostFile = nil
	}
	if w.serviceFile != nil {
		w.serviceFile.Close()
		w.serviceFile = nil
	}
}

func (w *Writer) handle(ev bus.Event) {
	data, ok := ev.Data.(bus.CheckResultData)
	if !ok || data.Result == nil || data.Result.PerformanceData == "" {
		return
	}
	switch ev.ObjectType {
	case "Host":
		w.write(w.hostFile, expandMacros(w.cfg.HostTemplate, hostMacros(ev.ObjectName, data.Result)))
	case "Service":
		w.write(w.serviceFile, expandMacros(w.cfg.ServiceTemplate, serviceMacros(ev.ObjectName, data.Result)))
	}
}

func (w *Writer) write(f *os.File, line string) {
	if f == nil {
		return
	}
	w.mu.Lock()
	_, err := f.WriteString(line + "\n")
	w.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn("Perfdata write failed")
	}
}

func expandMacros(template string, macros map[string]string) string {
	result := template
	for k, v := range macros {
		result = strings.ReplaceAll(result, "$"+k+"$", v)
	}
	return result
}

func hostMacros(name string, cr *objects.CheckResult) map[string]string {
	return map[string]string{
		"TIMET":             strconv.FormatInt(cr.ExecutionEnd.Unix(), 10),
		"HOSTNAME":          name,
		"HOSTSTATE":         objects.HostStateName(cr.State),
		"HOSTEXECUTIONTIME": formatSeconds(cr.ExecutionTime().Seconds()),
		"HOSTLATENCY":       formatSeconds(cr.Latency().Seconds()),
		"HOSTOUTPUT":        cr.Output,
		"HOSTPERFDATA":      cr.PerformanceData,
	}
}

func serviceMacros(name string, cr *objects.CheckResult) map[string]string {
	hostName, desc := name, ""
	if idx := strings.IndexByte(name, '!'); idx >= 0 {
		hostName, desc = name[:idx], name[idx+1:]
	}
	return map[string]string{
		"TIMET":                strconv.FormatInt(cr.ExecutionEnd.Unix(), 10),
		"HOSTNAME":             hostName,
		"SERVICEDESC":          desc,
		"SERVICESTATE":         objects.ServiceStateName(cr.State),
		"SERVICEEXECUTIONTIME": formatSeconds(cr.ExecutionTime().Seconds()),
		"SERVICELATENCY":       formatSeconds(cr.Latency().Seconds()),
		"SERVICEOUTPUT":        cr.Output,
		"SERVICEPERFDATA":      cr.PerformanceData,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
