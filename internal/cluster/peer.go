package cluster

import (
	"bufio"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	peerSendQueue    = 1024
	peerWriteTimeout = 30 * time.Second
)

// Peer is one live link to a remote endpoint. A reader goroutine owns
// the socket's read side; a writer goroutine drains the bounded send
// queue. Until the outbound replay finishes, live traffic is withheld
// and reaches the peer through the journal instead.
type Peer struct {
	cn   string
	conn net.Conn
	br   *bufio.Reader

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	outLive bool // outbound replay finished, live traffic flows
	inLive  bool // peer's replay finished
}

func newPeer(cn string, conn net.Conn) *Peer {
	return &Peer{
		cn:   cn,
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
		out:  make(chan []byte, peerSendQueue),
		done: make(chan struct{}),
	}
}

// CN returns the peer's certificate identity.
func (p *Peer) CN() string { return p.cn }

// Send queues a frame payload. A full queue means the peer cannot keep
// up; the link is dropped and the journal covers the gap on reconnect.
func (p *Peer) Send(payload []byte) bool {
	select {
	case p.out <- payload:
		return true
	case <-p.done:
		return false
	default:
		log.WithField("peer", p.cn).Warn("Peer send queue full, dropping link")
		p.Close()
		return false
	}
}

// Close tears the link down. Safe to call from any goroutine, many
// times.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Done is closed when the link is torn down.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) setOutLive() {
	p.mu.Lock()
	p.outLive = true
	p.mu.Unlock()
}

func (p *Peer) isOutLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outLive
}

func (p *Peer) setInLive() {
	p.mu.Lock()
	p.inLive = true
	p.mu.Unlock()
}

func (p *Peer) isInLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inLive
}

// writeLoop drains the send queue onto the socket. A write error tears
// the link down; the dial loop rebuilds it.
func (p *Peer) writeLoop() {
	for {
		select {
		case payload := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if err := WriteFrame(p.conn, payload); err != nil {
				log.WithError(err).WithField("peer", p.cn).Debug("Peer write failed")
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}
