package cluster

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/authority"
	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/replay"
	"github.com/oceanplexian/icingo/internal/runtime"
)

// Config carries the transport settings.
type Config struct {
	// BindAddr is the host:port the listener binds. Empty disables the
	// listener; the peer then only dials out.
	BindAddr string
	TLS      TLSFiles
	// MaxMessageSize bounds a single frame; zero selects the default.
	MaxMessageSize int64
}

// Handlers are the engine callbacks that apply replicated messages to
// the local runtime. Every handler runs on the peer's reader
// goroutine.
type Handlers struct {
	CheckResult            func(objType, objName string, cr *objects.CheckResult, authorityName string)
	ConfigUpdate           func(typ, name string, props map[string]json.RawMessage) error
	CommentAdded           func(c *objects.Comment) error
	CommentRemoved         func(name string) error
	DowntimeAdded          func(d *objects.Downtime) error
	DowntimeRemoved        func(name string) error
	DowntimeTriggered      func(name string) error
	AcknowledgementSet     func(objType, objName, author, text string, ackType int, expiry time.Time) error
	AcknowledgementCleared func(objType, objName string) error
	NextCheckChanged       func(objType, objName string, next time.Time)
}

// Cluster owns the peer links: the TLS listener, one dial loop per
// configured endpoint, and the translation between bus events and wire
// messages.
type Cluster struct {
	cfg       Config
	reg       *runtime.Registry
	bus       *bus.Bus
	arbiter   *authority.Arbiter
	journal   *replay.Journal
	bookmarks *replay.Bookmarks
	dedup     *replay.Dedup
	handlers  Handlers

	local     string
	tlsConfig *tls.Config
	seq       atomic.Uint64

	mu       sync.Mutex
	peers    map[string]*Peer
	listener net.Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the transport. The local identity is the arbiter's local
// endpoint name and must match the CN in cfg.TLS's certificate.
func New(cfg Config, reg *runtime.Registry, b *bus.Bus, arb *authority.Arbiter,
	journal *replay.Journal, bookmarks *replay.Bookmarks, handlers Handlers) (*Cluster, error) {
	tlsConfig, err := NewTLSConfig(cfg.TLS)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	c := &Cluster{
		cfg:       cfg,
		reg:       reg,
		bus:       b,
		arbiter:   arb,
		journal:   journal,
		bookmarks: bookmarks,
		dedup:     replay.NewDedup(),
		handlers:  handlers,
		local:     arb.Local(),
		tlsConfig: tlsConfig,
		peers:     make(map[string]*Peer),
		stopCh:    make(chan struct{}),
	}
	// Resume the outbound sequence where the previous run left off;
	// receivers drop anything at or below their high-water mark.
	seq, err := journal.HighestSeq(c.local)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.seq.Store(seq)
	return c, nil
}

// Start binds the listener, starts a dial loop per remote endpoint and
// subscribes to the bus for outgoing replication.
func (c *Cluster) Start() error {
	if c.cfg.BindAddr != "" {
		ln, err := tls.Listen("tcp", c.cfg.BindAddr, c.tlsConfig)
		if err != nil {
			return trace.Wrap(err, "bind cluster listener %s", c.cfg.BindAddr)
		}
		c.mu.Lock()
		c.listener = ln
		c.mu.Unlock()
		log.WithField("addr", c.cfg.BindAddr).Info("Cluster listener started")
		c.wg.Add(1)
		go c.acceptLoop(ln)
	}

	for _, obj := range c.reg.Enumerate("Endpoint") {
		ep := obj.(*objects.Endpoint)
		if ep.Name == c.local || ep.Host == "" || ep.Port == "" {
			continue
		}
		if !shouldDial(c.local, ep.Name, c.cfg.BindAddr != "") {
			continue
		}
		addr := net.JoinHostPort(ep.Host, ep.Port)
		c.wg.Add(1)
		go c.dialLoop(ep.Name, addr)
	}

	c.subscribe()
	return nil
}

// Stop closes every link with a shutdown marker and waits for the
// connection goroutines to finish.
func (c *Cluster) Stop() {
	close(c.stopCh)

	c.mu.Lock()
	ln := c.listener
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		if msg, err := NewMessage(MethodShutdown, struct{}{}, UnixTS(time.Now())); err == nil {
			if payload, err := json.Marshal(msg); err == nil {
				p.Send(payload)
			}
		}
		// Leave a moment for the queue to drain before tearing down.
		time.AfterFunc(time.Second, p.Close)
	}
	c.wg.Wait()
}

// Peers returns the CNs of the currently connected peers.
func (c *Cluster) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for cn := range c.peers {
		out = append(out, cn)
	}
	return out
}

func (c *Cluster) acceptLoop(ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			log.WithError(err).Warn("Cluster accept failed")
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveConn(conn)
		}()
	}
}

func (c *Cluster) dialLoop(cn, addr string) {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 60 * time.Second
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if c.peer(cn) == nil {
			conn, err := tls.Dial("tcp", addr, c.tlsConfig)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"peer": cn, "addr": addr}).
					Debug("Peer dial failed")
			} else {
				policy.Reset()
				c.serveConn(conn)
			}
		}
		select {
		case <-time.After(policy.NextBackOff()):
		case <-c.stopCh:
			return
		}
	}
}

// shouldDial decides which side of a peer pair opens the connection:
// the lexicographically lower CN dials, the higher one waits to be
// dialed unless it has no listener of its own.
func shouldDial(local, remote string, listening bool) bool {
	return local < remote || !listening
}

// serveConn runs one link from handshake to teardown, for both
// accepted and dialed connections.
func (c *Cluster) serveConn(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("TLS handshake failed")
		conn.Close()
		return
	}
	cn, err := PeerCN(tlsConn)
	if err != nil {
		log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("Refusing peer")
		conn.Close()
		return
	}
	if cn == c.local {
		conn.Close()
		return
	}
	if _, err := c.reg.Lookup("Endpoint", cn); err != nil {
		log.WithField("cn", cn).Warn("Refusing peer with unknown certificate CN")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	p := newPeer(cn, conn)
	c.addPeer(p)
	defer c.dropPeer(p)

	go p.writeLoop()

	hello, err := NewMessage(MethodHello, HelloParams{
		Identity:       c.local,
		KnownEndpoints: c.endpointNames(),
		LogPosition:    c.bookmarks.Get(cn).Remote,
	}, UnixTS(time.Now()))
	if err != nil {
		return
	}
	payload, err := json.Marshal(hello)
	if err != nil {
		return
	}
	if !p.Send(payload) {
		return
	}

	log.WithField("peer", cn).Info("Peer link established")
	c.readLoop(p)
}

func (c *Cluster) readLoop(p *Peer) {
	sawHello := false
	for {
		msg, payload, err := ReadMessage(p.br, c.cfg.MaxMessageSize)
		if err != nil {
			select {
			case <-p.Done():
			default:
				log.WithError(err).WithField("peer", p.cn).Info("Peer link closed")
			}
			return
		}
		if !sawHello {
			if msg.Method != MethodHello {
				log.WithFields(log.Fields{"peer": p.cn, "method": msg.Method}).
					Warn("Protocol violation: expected hello, dropping link")
				return
			}
			var hello HelloParams
			if err := json.Unmarshal(msg.Params, &hello); err != nil {
				log.WithError(err).WithField("peer", p.cn).Warn("Malformed hello, dropping link")
				return
			}
			sawHello = true
			c.bookmarks.AdvanceLocal(p.cn, hello.LogPosition)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.replayTo(p, hello.LogPosition)
			}()
			continue
		}

		switch msg.Method {
		case MethodReplayComplete:
			if p.isInLive() {
				log.WithField("peer", p.cn).Debug("Ignoring repeated replay completion")
				continue
			}
			p.setInLive()
			c.markConnected(p.cn, true)
			log.WithField("peer", p.cn).Info("Peer replay complete")
		case MethodShutdown:
			log.WithField("peer", p.cn).Info("Peer shut down cleanly")
			return
		case MethodHello:
			// Duplicate hello after the handshake window.
			log.WithField("peer", p.cn).Warn("Protocol violation: repeated hello, dropping link")
			return
		default:
			c.handleInbound(p, msg, payload)
		}
	}
}

// replayTo streams the journal from the peer's acknowledged position.
// Live events produced meanwhile land in the journal and are picked up
// by further passes; once a pass finds nothing new the link switches
// to live delivery and the sentinel is sent.
func (c *Cluster) replayTo(p *Peer, after float64) {
	sent := 0
	for {
		n, last, err := c.replayPass(p, after)
		if err != nil {
			log.WithError(err).WithField("peer", p.cn).Warn("Journal replay failed, dropping link")
			p.Close()
			return
		}
		sent += n
		if n == 0 {
			break
		}
		after = last
	}

	p.setOutLive()
	// One more pass for entries that raced the switch; receivers
	// deduplicate by (source, seq).
	if _, _, err := c.replayPass(p, after); err != nil {
		p.Close()
		return
	}

	done, err := NewMessage(MethodReplayComplete, struct{}{}, UnixTS(time.Now()))
	if err != nil {
		return
	}
	payload, err := json.Marshal(done)
	if err != nil {
		return
	}
	p.Send(payload)
	log.WithFields(log.Fields{"peer": p.cn, "entries": sent}).Info("Journal replay sent")
}

func (c *Cluster) replayPass(p *Peer, after float64) (int, float64, error) {
	n := 0
	last := after
	err := c.journal.ReplaySince(after, func(e replay.Entry) error {
		if !p.Send(e.Raw) {
			return trace.ConnectionProblem(nil, "peer %s gone during replay", p.cn)
		}
		n++
		last = e.Timestamp
		c.bookmarks.AdvanceLocal(p.cn, e.Timestamp)
		return nil
	})
	return n, last, trace.Wrap(err)
}

// handleInbound applies one replicated message: dedup, zone
// authorization, journal relay, then the matching handler. The
// bookmark only advances once the message is journaled.
func (c *Cluster) handleInbound(p *Peer, msg *Message, payload []byte) {
	if msg.Source == c.local || msg.Source == "" {
		return
	}
	// While the journal cannot persist, replication halts: the message
	// is neither applied, relayed nor acknowledged, and the dedup
	// high-water mark stays put so the peer's resend after reconnect is
	// accepted. Local scheduling is unaffected.
	if err := c.journal.Err(); err != nil {
		log.WithError(err).WithField("peer", p.cn).Warn("Journal unavailable, pausing replication")
		return
	}
	if !c.dedup.Accept(msg.Source, msg.Seq) {
		log.WithFields(log.Fields{"source": msg.Source, "seq": msg.Seq}).
			Debug("Dropping duplicate message")
		return
	}
	objType, objName, ok := messageObject(msg)
	if ok && !c.authorized(msg.Source, objType, objName) {
		log.WithFields(log.Fields{
			"source": msg.Source, "method": msg.Method,
			"type": objType, "name": objName,
		}).Warn("Dropping message from unauthorized zone")
		return
	}

	c.journal.Append(msg.TS, payload)
	c.apply(msg)
	c.bookmarks.AdvanceRemote(p.cn, msg.TS)

	// Relay to the other live peers; dedup on their side drops what
	// they already have.
	c.broadcast(payload, msg.TS, p.cn)
}

func (c *Cluster) apply(msg *Message) {
	var err error
	switch msg.Method {
	case MethodCheckResult:
		var params CheckResultParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.CheckResult != nil {
			c.handlers.CheckResult(params.Object.Type, params.Object.Name, params.CR, params.Authority)
		}
	case MethodStateChange:
		// Informational; canonical state is rederived from the
		// CheckResult stream.
	case MethodNextCheck:
		var params NextCheckParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.NextCheckChanged != nil {
			c.handlers.NextCheckChanged(params.Object.Type, params.Object.Name, FromUnixTS(params.NextCheck))
		}
	case MethodCommentAdded:
		var params CommentParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.CommentAdded != nil {
			err = c.handlers.CommentAdded(params.Comment)
		}
	case MethodCommentRemoved:
		var params CommentParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.CommentRemoved != nil {
			err = c.handlers.CommentRemoved(params.Comment.Name)
		}
	case MethodDowntimeAdded:
		var params DowntimeParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.DowntimeAdded != nil {
			err = c.handlers.DowntimeAdded(params.Downtime)
		}
	case MethodDowntimeRemoved:
		var params DowntimeParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.DowntimeRemoved != nil {
			err = c.handlers.DowntimeRemoved(params.Downtime.Name)
		}
	case MethodDowntimeTriggered:
		var params DowntimeParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.DowntimeTriggered != nil {
			err = c.handlers.DowntimeTriggered(params.Downtime.Name)
		}
	case MethodAckSet:
		var params AckParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.AcknowledgementSet != nil {
			err = c.handlers.AcknowledgementSet(params.Object.Type, params.Object.Name,
				params.Author, params.Text, params.AckType, FromUnixTS(params.Expiry))
		}
	case MethodAckCleared:
		var params AckParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.AcknowledgementCleared != nil {
			err = c.handlers.AcknowledgementCleared(params.Object.Type, params.Object.Name)
		}
	case MethodConfigUpdate:
		var params ConfigUpdateParams
		if err = json.Unmarshal(msg.Params, &params); err == nil && c.handlers.ConfigUpdate != nil {
			err = c.handlers.ConfigUpdate(params.Type, params.Name, params.Properties)
		}
	case MethodReplay:
		// Entries are streamed as their original messages; a wrapped
		// batch is not part of the protocol.
	default:
		log.WithField("method", msg.Method).Debug("Ignoring unknown method")
	}
	if err != nil && !trace.IsAlreadyExists(err) && !trace.IsNotFound(err) {
		log.WithError(err).WithField("method", msg.Method).Warn("Failed to apply replicated message")
	}
}

// messageObject extracts the (type, name) a message addresses, when it
// addresses one.
func messageObject(msg *Message) (string, string, bool) {
	var probe struct {
		Object ObjectRef `json:"object"`
		Type   string    `json:"type"`
		Name   string    `json:"name"`
	}
	if err := json.Unmarshal(msg.Params, &probe); err != nil {
		return "", "", false
	}
	if probe.Object.Type != "" {
		return probe.Object.Type, probe.Object.Name, true
	}
	if probe.Type != "" {
		return probe.Type, probe.Name, true
	}
	return "", "", false
}

// authorized reports whether the source endpoint's zone may originate
// events for the object: the object's zone itself or any ancestor
// zone.
func (c *Cluster) authorized(source, objType, objName string) bool {
	sourceZone := c.zoneOfEndpoint(source)
	if sourceZone == "" {
		return false
	}
	objZone := c.reg.ZoneOf(objType, objName)
	if objZone == "" {
		// Unzoned objects accept events from any known endpoint.
		return true
	}
	for zone := objZone; zone != ""; {
		if zone == sourceZone {
			return true
		}
		z := c.reg.Zone(zone)
		if z == nil {
			break
		}
		zone = z.Parent
	}
	return false
}

func (c *Cluster) zoneOfEndpoint(endpoint string) string {
	for _, obj := range c.reg.Enumerate("Zone") {
		z := obj.(*objects.Zone)
		for _, name := range z.Endpoints {
			if name == endpoint {
				return z.Name
			}
		}
	}
	return ""
}

// subscribe translates locally originated bus events into wire
// messages: journal first, then broadcast to the live peers.
func (c *Cluster) subscribe() {
	kinds := []bus.Kind{
		bus.KindCheckResult, bus.KindStateChange, bus.KindNextCheckChanged,
		bus.KindCommentAdded, bus.KindCommentRemoved,
		bus.KindDowntimeAdded, bus.KindDowntimeRemoved, bus.KindDowntimeTriggered,
		bus.KindAcknowledgementSet, bus.KindAcknowledgementCleared,
	}
	for _, kind := range kinds {
		c.bus.Subscribe(kind, c.onEvent)
	}
}

func (c *Cluster) onEvent(ev bus.Event) {
	if ev.Authority != c.local {
		return
	}
	method, params := translateEvent(ev)
	if method == "" {
		return
	}
	msg, err := NewMessage(method, params, UnixTS(ev.Timestamp))
	if err != nil {
		log.WithError(err).WithField("kind", ev.Kind).Warn("Failed to encode event")
		return
	}
	msg.Source = c.local
	msg.Seq = c.seq.Add(1)
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ts := c.journal.Append(msg.TS, payload)
	c.broadcast(payload, ts, "")
}

func translateEvent(ev bus.Event) (string, interface{}) {
	ref := ObjectRef{Type: ev.ObjectType, Name: ev.ObjectName}
	switch ev.Kind {
	case bus.KindCheckResult:
		data := ev.Data.(bus.CheckResultData)
		return MethodCheckResult, CheckResultParams{Object: ref, CR: data.Result, Authority: ev.Authority}
	case bus.KindStateChange:
		data := ev.Data.(bus.StateChangeData)
		return MethodStateChange, StateChangeParams{
			Object: ref, State: data.State, StateType: data.StateType, Authority: ev.Authority,
		}
	case bus.KindNextCheckChanged:
		data := ev.Data.(bus.NextCheckChangedData)
		return MethodNextCheck, NextCheckParams{Object: ref, NextCheck: UnixTS(data.NextCheck)}
	case bus.KindCommentAdded:
		return MethodCommentAdded, CommentParams{Object: ref, Comment: ev.Data.(bus.CommentData).Comment}
	case bus.KindCommentRemoved:
		return MethodCommentRemoved, CommentParams{Object: ref, Comment: ev.Data.(bus.CommentData).Comment}
	case bus.KindDowntimeAdded:
		return MethodDowntimeAdded, DowntimeParams{Object: ref, Downtime: ev.Data.(bus.DowntimeData).Downtime}
	case bus.KindDowntimeRemoved:
		return MethodDowntimeRemoved, DowntimeParams{Object: ref, Downtime: ev.Data.(bus.DowntimeData).Downtime}
	case bus.KindDowntimeTriggered:
		return MethodDowntimeTriggered, DowntimeParams{Object: ref, Downtime: ev.Data.(bus.DowntimeData).Downtime}
	case bus.KindAcknowledgementSet:
		data := ev.Data.(bus.AcknowledgementData)
		return MethodAckSet, AckParams{
			Object: ref, Author: data.Author, Text: data.Comment,
			AckType: data.AckType, Expiry: UnixTS(data.Expiry),
		}
	case bus.KindAcknowledgementCleared:
		return MethodAckCleared, AckParams{Object: ref}
	}
	return "", nil
}

func (c *Cluster) broadcast(payload []byte, ts float64, except string) {
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		if p.cn == except || !p.isOutLive() {
			continue
		}
		if p.Send(payload) {
			c.bookmarks.AdvanceLocal(p.cn, ts)
		}
	}
}

// ReplicateConfig sends an idempotent config snapshot of one object to
// the cluster, used after config load for globally replicated types.
func (c *Cluster) ReplicateConfig(typ, name string) error {
	props, err := c.reg.ConfigMap(typ, name)
	if err != nil {
		return trace.Wrap(err)
	}
	msg, err := NewMessage(MethodConfigUpdate, ConfigUpdateParams{
		Type: typ, Name: name, Properties: props,
	}, UnixTS(time.Now()))
	if err != nil {
		return trace.Wrap(err)
	}
	msg.Source = c.local
	msg.Seq = c.seq.Add(1)
	payload, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	ts := c.journal.Append(msg.TS, payload)
	c.broadcast(payload, ts, "")
	return nil
}

func (c *Cluster) peer(cn string) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[cn]
}

// addPeer installs a new link, replacing any older one for the same
// identity.
func (c *Cluster) addPeer(p *Peer) {
	c.mu.Lock()
	old := c.peers[p.cn]
	c.peers[p.cn] = p
	c.mu.Unlock()
	if old != nil {
		log.WithField("peer", p.cn).Info("Replacing older link for peer")
		old.Close()
	}
}

func (c *Cluster) dropPeer(p *Peer) {
	p.Close()
	c.mu.Lock()
	current := c.peers[p.cn] == p
	if current {
		delete(c.peers, p.cn)
	}
	c.mu.Unlock()
	if current {
		c.markConnected(p.cn, false)
	}
}

// markConnected updates the endpoint's runtime state and tells the
// arbiter, which rebalances check ownership.
func (c *Cluster) markConnected(cn string, connected bool) {
	if obj, err := c.reg.Lookup("Endpoint", cn); err == nil {
		ep := obj.(*objects.Endpoint)
		pos := c.bookmarks.Get(cn)
		obj.Lock()
		ep.Connected = connected
		ep.Seen = time.Now()
		ep.LocalLogPosition = pos.Local
		ep.RemoteLogPosition = pos.Remote
		obj.Unlock()
	}
	c.arbiter.SetConnected(cn, connected)
}

func (c *Cluster) endpointNames() []string {
	var out []string
	for _, obj := range c.reg.Enumerate("Endpoint") {
		out = append(out, obj.ObjectName())
	}
	return out
}
