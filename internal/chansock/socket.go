package chansock

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHighWaterMark is the number of unread bytes a Socket buffers before
// it stops reading from its channel.
const DefaultHighWaterMark = 16 * 1024

const readChunkSize = 32 * 1024

var (
	// ErrAlreadyAttached is returned by Attach when a channel is already bound.
	ErrAlreadyAttached = errors.New("chansock: channel already attached")

	// ErrWriteAfterEnd is returned by Write after CloseWrite.
	ErrWriteAfterEnd = errors.New("chansock: write after end")
)

// Channel is the duplex byte stream a Socket forwards to. An ssh.Channel or
// the net.Conn returned by ssh.Client.DialContext both satisfy it. If the
// channel also implements CloseWrite, it is used to half-close the write side.
type Channel interface {
	io.ReadWriteCloser
}

type closeWriter interface {
	CloseWrite() error
}

// Config holds construction options for a Socket.
type Config struct {
	// HighWaterMark bounds the unread bytes buffered for the consumer.
	// Zero means DefaultHighWaterMark.
	HighWaterMark int

	// RemoteAddr is reported by RemoteAddr. It is usually the forward target.
	RemoteAddr net.Addr
}

// Addr is a net.Addr for a host:port that may not be resolved.
type Addr string

// Network implements net.Addr.
func (a Addr) Network() string { return "tcp" }

// String implements net.Addr.
func (a Addr) String() string { return string(a) }

// Socket is a net.Conn backed by a forwarded channel that may be attached
// after the Socket is handed out.
type Socket struct {
	hwm    int
	remote net.Addr

	// wmu serializes writers; the pre-attach buffer holds one write.
	wmu sync.Mutex

	mu         sync.Mutex
	notify     chan struct{}
	ch         Channel
	connected  chan struct{}
	pending    []byte
	pendingErr error
	chunks     [][]byte
	buffered   int
	flushed    bool
	eof        bool
	ended      bool
	finished   bool
	destroyed  bool
	closed     bool
	err        error
	refed      bool
	onRef      func()
	onUnref    func()
	ticks      uint64
	idleStop   chan struct{}
	onTimeout  []func()
	onClose    []func(error)
	onEnd      []func(error)
	endFired   bool
	endErr     error
	done       chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

var _ net.Conn = (*Socket)(nil)

// New returns a refed Socket with no channel attached.
func New(cfg Config) *Socket {
	hwm := cfg.HighWaterMark
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	return &Socket{
		hwm:       hwm,
		remote:    cfg.RemoteAddr,
		notify:    make(chan struct{}),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		flushed:   true,
		refed:     true,
	}
}

// Attach binds s to ch. A write buffered before the call is written to ch
// first, then a pending CloseWrite or Destroy is replayed onto ch.
func (s *Socket) Attach(ch Channel) error {
	s.mu.Lock()
	if s.ch != nil {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.ch = ch
	pending := s.pending
	finished, destroyed := s.finished, s.destroyed
	if !destroyed {
		close(s.connected)
	}
	s.mu.Unlock()

	if destroyed {
		// The close goroutine ran without a channel to close.
		_ = ch.Close()
		return nil
	}

	if pending != nil {
		n, err := ch.Write(pending)
		s.bytesWritten.Add(int64(n))

		s.mu.Lock()
		s.pending = nil
		s.pendingErr = err
		s.broadcastLocked()
		s.mu.Unlock()
	}

	if finished {
		_ = closeWrite(ch)
	}

	go s.pump(ch)
	return nil
}

// Connected is closed once a channel is attached to a live socket.
func (s *Socket) Connected() <-chan struct{} {
	return s.connected
}

// Done is closed when the socket has closed, just before close listeners run.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Err returns the error s was destroyed with, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Destroyed reports whether Destroy (or Close) has been called.
func (s *Socket) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Read implements net.Conn. Buffered data is returned in the order it was
// received from the channel; io.EOF follows the remote end of stream.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	for {
		if s.destroyed {
			err := s.closedErrLocked()
			s.mu.Unlock()
			return 0, err
		}

		if len(s.chunks) > 0 {
			n := 0
			for n < len(p) && len(s.chunks) > 0 {
				c := copy(p[n:], s.chunks[0])
				n += c
				if c == len(s.chunks[0]) {
					s.chunks[0] = nil
					s.chunks = s.chunks[1:]
				} else {
					s.chunks[0] = s.chunks[0][c:]
				}
			}
			s.buffered -= n
			if !s.flushed && s.buffered < s.hwm {
				s.flushed = true
				s.broadcastLocked()
			}
			s.mu.Unlock()
			s.bytesRead.Add(int64(n))
			return n, nil
		}

		if s.eof {
			s.ended = true
			s.mu.Unlock()
			s.Destroy(nil)
			return 0, io.EOF
		}

		notify, deadline := s.notify, s.readDeadline
		s.mu.Unlock()
		if err := wait(notify, deadline); err != nil {
			return 0, err
		}
		s.mu.Lock()
	}
}

// Write implements net.Conn. Before a channel is attached the bytes are held
// in the pending slot and Write blocks until Attach flushes them; concurrent
// writers queue behind it. Afterwards the channel's own Write provides flow
// control.
func (s *Socket) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if len(p) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	if ch := s.ch; ch != nil {
		deadline := s.writeDeadline
		s.mu.Unlock()
		return s.writeAttached(ch, p, deadline)
	}

	s.pending = bytes.Clone(p)
	s.pendingErr = nil
	for s.pending != nil {
		if s.destroyed {
			s.pending = nil
			err := s.closedErrLocked()
			s.mu.Unlock()
			return 0, err
		}

		notify, deadline := s.notify, s.writeDeadline
		if s.ch != nil {
			// Attach owns the bytes now; wait for it to finish.
			deadline = time.Time{}
		}
		s.mu.Unlock()
		err := wait(notify, deadline)
		s.mu.Lock()
		if err != nil && s.ch == nil {
			s.pending = nil
			s.mu.Unlock()
			return 0, err
		}
	}
	err := s.pendingErr
	s.pendingErr = nil
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeAttached writes p to ch. A channel write can't be interrupted and
// resumed, so a deadline that expires while it is blocked destroys the socket
// with os.ErrDeadlineExceeded.
func (s *Socket) writeAttached(ch Channel, p []byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return 0, os.ErrDeadlineExceeded
	}
	s.tick()

	var expired atomic.Bool
	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), func() {
			expired.Store(true)
			s.Destroy(os.ErrDeadlineExceeded)
		})
		defer t.Stop()
	}

	n, err := ch.Write(p)
	s.bytesWritten.Add(int64(n))
	if err != nil && expired.Load() {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

// CloseWrite ends the write side. If no channel is attached yet, the end is
// replayed by Attach.
func (s *Socket) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	}
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.stopIdleLocked()
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		return closeWrite(ch)
	}
	return nil
}

// Close implements net.Conn by destroying the socket without an error.
func (s *Socket) Close() error {
	s.Destroy(nil)
	return nil
}

// Destroy tears the socket down. Only the first call has any effect. Blocked
// reads and writes return err (or net.ErrClosed). The channel is closed and
// close listeners run on a separate goroutine, so a listener registered right
// after Destroy returns still observes the close.
func (s *Socket) Destroy(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.err = err
	s.stopIdleLocked()
	s.chunks = nil
	s.buffered = 0
	ch := s.ch
	s.broadcastLocked()
	s.mu.Unlock()

	go s.emitClose(ch)
}

func (s *Socket) emitClose(ch Channel) {
	if ch != nil {
		_ = ch.Close()
	}

	s.mu.Lock()
	s.closed = true
	listeners := s.onClose
	s.onClose = nil
	err := s.err
	s.mu.Unlock()

	close(s.done)
	s.fireEnd(err)
	for _, fn := range listeners {
		fn(err)
	}
}

// OnEnd registers fn to run once the channel stops delivering data: at its
// end of stream, even if buffered data is still unread, or when the socket
// closes, whichever comes first. err is nil for a clean end of stream. If the
// end has already happened, fn runs on a new goroutine.
func (s *Socket) OnEnd(fn func(err error)) {
	s.mu.Lock()
	if s.endFired {
		err := s.endErr
		s.mu.Unlock()
		go fn(err)
		return
	}
	s.onEnd = append(s.onEnd, fn)
	s.mu.Unlock()
}

func (s *Socket) fireEnd(err error) {
	s.mu.Lock()
	if s.endFired {
		s.mu.Unlock()
		return
	}
	s.endFired = true
	s.endErr = err
	listeners := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// OnClose registers fn to run once the socket has closed. If it already has,
// fn runs on a new goroutine.
func (s *Socket) OnClose(fn func(err error)) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		go fn(err)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Ref marks the socket as holding its session alive.
func (s *Socket) Ref() {
	s.mu.Lock()
	if s.refed {
		s.mu.Unlock()
		return
	}
	s.refed = true
	fn := s.onRef
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Unref marks the socket as not holding its session alive.
func (s *Socket) Unref() {
	s.mu.Lock()
	if !s.refed {
		s.mu.Unlock()
		return
	}
	s.refed = false
	fn := s.onUnref
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Refed reports the current ref state.
func (s *Socket) Refed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refed
}

// SetRefHooks installs the callbacks run on each Ref/Unref transition and
// returns the ref state at the moment of installation.
func (s *Socket) SetRefHooks(onRef, onUnref func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRef = onRef
	s.onUnref = onUnref
	return s.refed
}

// SetTimeout arms an idle watchdog. If no data arrives for d, fn (and any
// callback passed to earlier calls) runs once and the watchdog stops until it
// is armed again. d <= 0 clears the watchdog.
func (s *Socket) SetTimeout(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopIdleLocked()
	if d <= 0 || s.destroyed {
		return
	}
	if fn != nil {
		s.onTimeout = append(s.onTimeout, fn)
	}
	stop := make(chan struct{})
	s.idleStop = stop
	go s.watchIdle(d, stop, s.ticks)
}

func (s *Socket) watchIdle(d time.Duration, stop chan struct{}, prev uint64) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.idleStop != stop {
			s.mu.Unlock()
			return
		}
		if s.ticks != prev {
			prev = s.ticks
			s.mu.Unlock()
			continue
		}
		s.idleStop = nil
		listeners := slices.Clone(s.onTimeout)
		s.mu.Unlock()

		for _, fn := range listeners {
			fn()
		}
		return
	}
}

// SetNoDelay is accepted for parity with *net.TCPConn. A forwarded channel has
// no Nagle setting of its own.
func (s *Socket) SetNoDelay(bool) error {
	return nil
}

// LocalAddr implements net.Conn.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if c, ok := ch.(net.Conn); ok {
		return c.LocalAddr()
	}
	return Addr("0.0.0.0:0")
}

// RemoteAddr implements net.Conn.
func (s *Socket) RemoteAddr() net.Addr {
	if s.remote != nil {
		return s.remote
	}
	return Addr("0.0.0.0:0")
}

// SetDeadline implements net.Conn.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	s.broadcastLocked()
	return nil
}

// SetReadDeadline implements net.Conn.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.broadcastLocked()
	return nil
}

// SetWriteDeadline implements net.Conn. Before attach it bounds the wait for
// the channel. Afterwards a write still blocked on the channel when the
// deadline passes destroys the socket, since the channel write can't be
// abandoned halfway.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	s.broadcastLocked()
	return nil
}

// BytesRead returns the number of bytes delivered to the consumer.
func (s *Socket) BytesRead() int64 {
	return s.bytesRead.Load()
}

// BytesWritten returns the number of bytes written to the channel.
func (s *Socket) BytesWritten() int64 {
	return s.bytesWritten.Load()
}

func (s *Socket) pump(ch Channel) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 && !s.push(bytes.Clone(buf[:n])) {
			if !s.waitFlushed() {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.end()
				s.fireEnd(nil)
			} else {
				s.Destroy(err)
			}
			return
		}
	}
}

// push queues chunk for the reader and reports whether the reader can take
// more without exceeding the high-water mark.
func (s *Socket) push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	s.buffered += len(chunk)
	s.ticks++
	s.flushed = s.buffered < s.hwm
	s.broadcastLocked()
	return s.flushed
}

// waitFlushed blocks the pump until the reader drains below the high-water
// mark. It returns false if the socket was destroyed meanwhile.
func (s *Socket) waitFlushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.flushed && !s.destroyed {
		notify := s.notify
		s.mu.Unlock()
		<-notify
		s.mu.Lock()
	}
	return !s.destroyed
}

func (s *Socket) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.eof = true
	s.broadcastLocked()
}

func (s *Socket) tick() {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
}

func (s *Socket) writableLocked() error {
	if s.destroyed {
		return s.closedErrLocked()
	}
	if s.finished {
		return ErrWriteAfterEnd
	}
	return nil
}

func (s *Socket) closedErrLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.ended {
		return io.EOF
	}
	return net.ErrClosed
}

func (s *Socket) stopIdleLocked() {
	if s.idleStop != nil {
		close(s.idleStop)
		s.idleStop = nil
	}
}

// broadcastLocked wakes every goroutine waiting on the current notify channel.
func (s *Socket) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func wait(notify <-chan struct{}, deadline time.Time) error {
	if deadline.IsZero() {
		<-notify
		return nil
	}

	d := time.Until(deadline)
	if d <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-notify:
		return nil
	case <-t.C:
		return os.ErrDeadlineExceeded
	}
}

func closeWrite(ch Channel) error {
	if cw, ok := ch.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
