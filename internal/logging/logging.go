// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Options controls logger setup.
type Options struct {
	// Debug lowers the level to debug.
	Debug bool
	// Dir, when non-empty, adds a log file icingo.log under it in
	// addition to stderr.
	Dir string
	// JSON switches the formatter from text to JSON.
	JSON bool
}

// Setup initializes the global logger. It returns a closer for the log
// file, which may be nil.
func Setup(opts Options) (io.Closer, error) {
	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if opts.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if opts.Dir == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, trace.Wrap(err, "create log dir %s", opts.Dir)
	}
	path := filepath.Join(opts.Dir, "icingo.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, trace.Wrap(err, "open log file %s", path)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}
