// Package replay implements the persistent per-peer journal and the
// ordered catch-up machinery. Every event-class message the peer emits
// or relays is appended to segmented log files; after a reconnect the
// journal is streamed, in timestamp order, from the peer's last
// acknowledged position.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultSegmentSize is the rotation threshold per segment file.
	DefaultSegmentSize = 50 * 1024 * 1024
	// DefaultRetention is how long rotated segments are kept.
	DefaultRetention = 7 * 24 * time.Hour
)

// Entry is one journaled wire message.
type Entry struct {
	Timestamp float64 // unix seconds, strictly increasing per journal
	Raw       []byte  // the serialized wire message, single line
}

// messageProbe is the minimal envelope shape compaction needs.
type messageProbe struct {
	Method string `json:"method"`
	Params struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"params"`
}

// Journal is an append-only, segment-rotated message log. A single
// writer goroutine owns the live file; replay readers open their own
// descriptors.
type Journal struct {
	dir         string
	segmentSize int64
	retention   time.Duration

	appendCh chan Entry
	flushCh  chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	f       *os.File
	size    int64
	highest float64
	lastErr error
}

// Open creates or reopens a journal in dir. Zero segmentSize and
// retention select the defaults.
func Open(dir string, segmentSize int64, retention time.Duration) (*Journal, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, trace.Wrap(err, "create journal dir %s", dir)
	}
	j := &Journal{
		dir:         dir,
		segmentSize: segmentSize,
		retention:   retention,
		appendCh:    make(chan Entry, 1024),
		flushCh:     make(chan chan error, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if err := j.recoverHighest(); err != nil {
		return nil, trace.Wrap(err)
	}
	go j.writeLoop()
	return j, nil
}

// recoverHighest scans the newest segment for the highest timestamp so
// appends stay monotonic across restarts.
func (j *Journal) recoverHighest() error {
	segments, err := j.segments()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(segments) == 0 {
		return nil
	}
	last := segments[len(segments)-1]
	err = readSegment(filepath.Join(j.dir, last.name), 0, func(e Entry) error {
		if e.Timestamp > j.highest {
			j.highest = e.Timestamp
		}
		return nil
	})
	return trace.Wrap(err)
}

// Append queues a message for the journal. ts values that do not
// advance the journal are nudged forward so per-journal timestamps
// stay strictly increasing.
func (j *Journal) Append(ts float64, raw []byte) float64 {
	j.mu.Lock()
	if ts <= j.highest {
		ts = j.highest + 1e-6
	}
	j.highest = ts
	j.mu.Unlock()

	select {
	case j.appendCh <- Entry{Timestamp: ts, Raw: raw}:
	case <-j.stopCh:
	}
	return ts
}

// Highest returns the highest timestamp appended so far.
func (j *Journal) Highest() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.highest
}

// HighestSeq returns the largest sequence number the journal holds for
// messages originated by source. The transport reseeds its outbound
// counter from it after a restart so per-source sequences stay
// strictly increasing across the peer's lifetime.
func (j *Journal) HighestSeq(source string) (uint64, error) {
	var highest uint64
	err := j.ReplaySince(0, func(e Entry) error {
		var probe struct {
			Source string `json:"source"`
			Seq    uint64 `json:"seq"`
		}
		if json.Unmarshal(e.Raw, &probe) != nil {
			return nil
		}
		if probe.Source == source && probe.Seq > highest {
			highest = probe.Seq
		}
		return nil
	})
	return highest, trace.Wrap(err)
}

// Err returns the last persistence error, if the journal is currently
// failing to append. Replication halts while this is non-nil; local
// scheduling does not.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Flush blocks until every queued entry is on disk.
func (j *Journal) Flush() error {
	done := make(chan error, 1)
	select {
	case j.flushCh <- done:
		return <-done
	case <-j.stopCh:
		return nil
	}
}

// Close flushes and stops the writer.
func (j *Journal) Close() error {
	err := j.Flush()
	close(j.stopCh)
	<-j.doneCh
	return err
}

// How long the writer waits before retrying entries that failed to
// reach the disk.
const retryInterval = time.Second

func (j *Journal) writeLoop() {
	defer close(j.doneCh)
	defer func() {
		j.mu.Lock()
		if j.f != nil {
			j.f.Close()
			j.f = nil
		}
		j.mu.Unlock()
	}()

	// Entries that could not be written stay in pending and are retried
	// until the disk recovers; nothing is dropped.
	var pending []Entry
	for {
		var retry <-chan time.Time
		if len(pending) > 0 {
			retry = time.After(retryInterval)
		}
		select {
		case <-j.stopCh:
			pending = append(pending, j.queued()...)
			j.writeBatch(pending)
			return
		case done := <-j.flushCh:
			pending = append(pending, j.queued()...)
			pending = j.writeBatch(pending)
			done <- j.Err()
		case first := <-j.appendCh:
			pending = append(pending, first)
			pending = append(pending, j.queued()...)
			pending = j.writeBatch(pending)
		case <-retry:
			pending = j.writeBatch(pending)
		}
	}
}

// queued drains whatever else is already sitting in the append channel
// so consecutive config updates can be coalesced before they hit the
// disk.
func (j *Journal) queued() []Entry {
	var batch []Entry
	for {
		select {
		case e := <-j.appendCh:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// writeBatch writes as much of the batch as the disk accepts and
// returns the unwritten remainder.
func (j *Journal) writeBatch(batch []Entry) []Entry {
	if len(batch) == 0 {
		return nil
	}
	batch = Coalesce(batch)
	for i, e := range batch {
		if err := j.writeEntry(e); err != nil {
			log.WithError(err).Error("Journal append failed, replication halted until writable")
			j.mu.Lock()
			j.lastErr = err
			j.mu.Unlock()
			return batch[i:]
		}
	}
	j.mu.Lock()
	j.lastErr = nil
	j.mu.Unlock()
	return nil
}

func (j *Journal) writeEntry(e Entry) error {
	if j.f == nil || j.size >= j.segmentSize {
		if err := j.rotate(e.Timestamp); err != nil {
			return trace.Wrap(err)
		}
	}
	line := strconv.FormatFloat(e.Timestamp, 'f', 6, 64) + " " + string(e.Raw) + "\n"
	n, err := j.f.WriteString(line)
	j.size += int64(n)
	return trace.Wrap(err)
}

// rotate closes the live segment, opens a new one named after its
// starting timestamp, and deletes segments past retention.
func (j *Journal) rotate(startTS float64) error {
	if j.f != nil {
		if err := j.f.Sync(); err != nil {
			return trace.Wrap(err)
		}
		j.f.Close()
		j.f = nil
	}

	name := fmt.Sprintf("%d.log", int64(startTS))
	path := filepath.Join(j.dir, name)
	if _, err := os.Stat(path); err == nil {
		name = fmt.Sprintf("%d.log", int64(startTS*1e9))
		path = filepath.Join(j.dir, name)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return trace.Wrap(err, "open journal segment %s", path)
	}
	j.f = f
	j.size = 0

	j.expireSegments()
	return nil
}

type segment struct {
	name  string
	start float64
}

func (j *Journal) segments() ([]segment, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var segs []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".log")
		n, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		start := float64(n)
		if n > 1e15 { // nanosecond-named segment
			start = float64(n) / 1e9
		}
		segs = append(segs, segment{name: e.Name(), start: start})
	}
	sort.Slice(segs, func(i, k int) bool { return segs[i].start < segs[k].start })
	return segs, nil
}

func (j *Journal) expireSegments() {
	segs, err := j.segments()
	if err != nil {
		log.WithError(err).Warn("Failed to list journal segments for retention")
		return
	}
	// Retention is measured from when the segment was last written, not
	// from its entries' timestamps: a segment freshly written during
	// catch-up of old data is not expired. The newest segment is never
	// deleted.
	cutoff := time.Now().Add(-j.retention)
	for i := 0; i < len(segs)-1; i++ {
		path := filepath.Join(j.dir, segs[i].name)
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.WithError(err).WithField("segment", segs[i].name).
				Warn("Failed to delete expired journal segment")
		}
	}
}

// ReplaySince streams every journal entry with timestamp > after, in
// timestamp order, through fn. Pending writes are flushed first; the
// reader uses its own descriptors and never touches the writer's.
func (j *Journal) ReplaySince(after float64, fn func(Entry) error) error {
	if err := j.Flush(); err != nil {
		return trace.Wrap(err)
	}
	segs, err := j.segments()
	if err != nil {
		return trace.Wrap(err)
	}
	for i, seg := range segs {
		// A segment is skippable when its successor starts at or
		// before the bookmark: nothing in it can be newer.
		if i+1 < len(segs) && segs[i+1].start <= after {
			continue
		}
		if err := readSegment(filepath.Join(j.dir, seg.name), after, fn); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func readSegment(path string, after float64, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.Wrap(err, "open journal segment %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		sep := bytes.IndexByte(line, ' ')
		if sep <= 0 {
			continue
		}
		ts, err := strconv.ParseFloat(string(line[:sep]), 64)
		if err != nil {
			continue
		}
		if ts <= after {
			continue
		}
		raw := append([]byte(nil), line[sep+1:]...)
		if err := fn(Entry{Timestamp: ts, Raw: raw}); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(scanner.Err())
}

// Coalesce compacts a run of entries: consecutive config::Update
// messages for the same (type, name) collapse to the latest. Updates
// are idempotent snapshots of a single object, so dropping the older
// ones cannot change the replayed result.
func Coalesce(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if len(out) > 0 {
			if prevKey, ok := configUpdateKey(out[len(out)-1].Raw); ok {
				if key, ok2 := configUpdateKey(e.Raw); ok2 && key == prevKey {
					out[len(out)-1] = e
					continue
				}
			}
		}
		out = append(out, e)
	}
	return out
}

func configUpdateKey(raw []byte) (string, bool) {
	var probe messageProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.Method != "config::Update" {
		return "", false
	}
	return probe.Params.Type + "/" + probe.Params.Name, true
}
