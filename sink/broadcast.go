package sink

import (
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientWriteTimeout is how long a Store will wait on one listener before
// declaring it dead.  The dispatch loop serializes all frame I/O for a
// camera, so a stuck listener must never stall it.
const clientWriteTimeout = 250 * time.Millisecond

// Broadcaster fans frames out to TCP listeners for live view.  Listeners
// receive the same packet framing the Remote sink uses.  Frames beyond the
// rate cap are silently skipped; slow listeners are dropped.
type Broadcaster struct {
	ln      net.Listener
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	on      bool
	stopped bool
}

// NewBroadcaster listens on addr and serves connected clients until Stop.
// maxFPS caps the outbound frame rate; <= 0 means uncapped.
func NewBroadcaster(addr string, maxFPS float64) (*Broadcaster, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if maxFPS > 0 {
		lim = rate.NewLimiter(rate.Limit(maxFPS), 1)
	}
	b := &Broadcaster{
		ln:      ln,
		limiter: lim,
		clients: map[net.Conn]struct{}{},
	}
	go b.accept()
	return b, nil
}

// Addr returns the address the broadcaster listens on
func (b *Broadcaster) Addr() string {
	return b.ln.Addr().String()
}

func (b *Broadcaster) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.clients[conn] = struct{}{}
		n := len(b.clients)
		b.mu.Unlock()
		log.Printf("broadcast: listener %s connected (%d total)", conn.RemoteAddr(), n)
	}
}

// On enables frame delivery
func (b *Broadcaster) On() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.on = true
}

// Off disables frame delivery; connected listeners are kept
func (b *Broadcaster) Off() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.on = false
}

// Enabled returns true if frames are currently delivered
func (b *Broadcaster) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.on
}

// Open is a no-op; the broadcast stream has no files
func (b *Broadcaster) Open(name string) error { return nil }

// Close is a no-op; the broadcast stream has no files
func (b *Broadcaster) Close(name string) error { return nil }

// SetMode is a no-op; the broadcast stream has no files
func (b *Broadcaster) SetMode(m Mode) error { return nil }

// Store sends one frame to every connected listener.  Frames are dropped
// when the broadcaster is off or over its rate cap.
func (b *Broadcaster) Store(meta Meta, data []byte) error {
	b.mu.Lock()
	if !b.on || b.stopped {
		b.mu.Unlock()
		return nil
	}
	conns := make([]net.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	if len(conns) == 0 {
		return nil
	}
	if !b.limiter.Allow() {
		return nil
	}
	p, err := newPacket(verbStore, meta, data)
	if err != nil {
		return err
	}
	buf := p.encode()
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if _, err := conn.Write(buf); err != nil {
			log.Printf("broadcast: dropping listener %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
		}
	}
	return nil
}

// Stop closes the listener and all client connections
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.on = false
	conns := make([]net.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.clients = map[net.Conn]struct{}{}
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return b.ln.Close()
}
