package sink

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/synchlab/labctl/comm"
)

// ErrStopped is generated when a command is issued to a stopped sink
var ErrStopped = errors.New("sink has been stopped")

// remoteQueueDepth bounds how many commands may be in flight to the writer
// daemon before Store reports back-pressure instead of blocking the
// dispatch loop.
const remoteQueueDepth = 1024

// Remote is a client to an out-of-process frame writer reached over TCP.
// Commands are queued and shipped by a dedicated goroutine, so Open, Store
// and Close return as soon as the command is handed off.  Transport
// failures surface on the next command after they occur.
type Remote struct {
	rd   comm.RemoteDevice
	cmds chan packet
	done chan struct{}

	mu      sync.Mutex
	lastErr error
	stopped bool
}

// NewRemote returns a Remote sink speaking to a writer daemon at addr.
// The connection is established lazily by the first command.
func NewRemote(addr string) *Remote {
	r := &Remote{
		rd:   comm.NewRemoteDevice(addr),
		cmds: make(chan packet, remoteQueueDepth),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// run drains the command queue onto the wire.  It owns the connection.
func (r *Remote) run() {
	defer close(r.done)
	for p := range r.cmds {
		if r.rd.Conn == nil {
			if err := r.rd.Open(); err != nil {
				r.setErr(fmt.Errorf("writer daemon unreachable: %w", err))
				continue
			}
		}
		r.rd.ResetDeadline()
		if _, err := r.rd.Conn.Write(p.encode()); err != nil {
			r.setErr(fmt.Errorf("writer daemon send failed: %w", err))
			r.rd.Close()
			continue
		}
	}
	r.rd.Close()
}

func (r *Remote) setErr(err error) {
	log.Printf("sink: %v", err)
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// takeErr returns and clears the last transport error
func (r *Remote) takeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}

func (r *Remote) submit(p packet) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case r.cmds <- p:
	default:
		return fmt.Errorf("writer daemon back-pressure, %d commands queued", remoteQueueDepth)
	}
	return r.takeErr()
}

// Open tells the writer to begin the named file
func (r *Remote) Open(name string) error {
	p, err := newPacket(verbOpen, Meta{"filename": name}, nil)
	if err != nil {
		return err
	}
	return r.submit(p)
}

// Store ships one frame to the writer
func (r *Remote) Store(meta Meta, data []byte) error {
	p, err := newPacket(verbStore, meta, data)
	if err != nil {
		return err
	}
	return r.submit(p)
}

// Close tells the writer to finalize the named file
func (r *Remote) Close(name string) error {
	p, err := newPacket(verbClose, Meta{"filename": name}, nil)
	if err != nil {
		return err
	}
	return r.submit(p)
}

// SetMode changes the writer's file grouping mode
func (r *Remote) SetMode(m Mode) error {
	p, err := newPacket(verbSetMode, Meta{"mode": string(m)}, nil)
	if err != nil {
		return err
	}
	return r.submit(p)
}

// Stop sends the stop verb and tears down the connection.  Commands queued
// before Stop are flushed first.
func (r *Remote) Stop() error {
	p, err := newPacket(verbStop, nil, nil)
	if err != nil {
		return err
	}
	if err := r.submit(p); err != nil && err != ErrStopped {
		log.Printf("sink: error sending stop to writer daemon: %v", err)
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.cmds)
	<-r.done
	return nil
}
