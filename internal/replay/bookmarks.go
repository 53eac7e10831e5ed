package replay

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
)

// Position tracks the replay positions for one peer: Local is the
// highest journal timestamp already sent to the peer, Remote is the
// highest timestamp applied from it. Remote is reported back to the
// peer on reconnect and is where the peer resumes its replay.
type Position struct {
	Local  float64 `json:"local"`
	Remote float64 `json:"remote"`
}

// Bookmarks is the atomically persisted per-peer position file.
type Bookmarks struct {
	mu   sync.Mutex
	path string
	m    map[string]Position
}

// LoadBookmarks reads the bookmark file; a missing file yields an
// empty set.
func LoadBookmarks(path string) (*Bookmarks, error) {
	b := &Bookmarks{path: path, m: make(map[string]Position)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, trace.Wrap(err, "read bookmarks %s", path)
	}
	if err := json.Unmarshal(data, &b.m); err != nil {
		return nil, trace.Wrap(err, "parse bookmarks %s", path)
	}
	return b, nil
}

// Get returns the stored position for a peer, zero if unknown.
func (b *Bookmarks) Get(peer string) Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m[peer]
}

// AdvanceLocal moves the peer's acknowledged-local position forward.
// Positions never move backward.
func (b *Bookmarks) AdvanceLocal(peer string, ts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.m[peer]
	if ts > p.Local {
		p.Local = ts
		b.m[peer] = p
	}
}

// AdvanceRemote moves the peer's applied-remote position forward.
func (b *Bookmarks) AdvanceRemote(peer string, ts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.m[peer]
	if ts > p.Remote {
		p.Remote = ts
		b.m[peer] = p
	}
}

// Save writes the bookmark file atomically.
func (b *Bookmarks) Save() error {
	b.mu.Lock()
	data, err := json.MarshalIndent(b.m, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(b.path, append(data, '\n'), 0644); err != nil {
		return trace.Wrap(err, "write bookmarks %s", b.path)
	}
	return nil
}
