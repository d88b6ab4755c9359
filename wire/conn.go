package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/couchbase/pullreplicator/replog"
)

// ProgressState is the lifecycle stage of an outbound request, mirroring
// blip::MessageProgress from the reference implementation.
type ProgressState int

const (
	ProgressAwaitingReply ProgressState = iota
	ProgressComplete
)

// Progress describes one update on an in-flight outbound Request.
type Progress struct {
	State ProgressState
	Reply *Message // set once the peer's response arrives
	Err   error     // set if the send itself failed (not a peer error reply)
}

// Request is a sent message together with a channel of progress events.
// Exactly one event with State == ProgressComplete is ever delivered.
type Request struct {
	Number   uint64
	Progress chan Progress
}

// Handler processes one inbound request for a registered profile.
type Handler func(*Message)

// Conn is a framed, multiplexed connection: many requests may be
// in flight concurrently, each tagged with its own Number so the
// response can be routed back to the right caller. It is the out-of-scope
// "wire" collaborator's concrete contract implementation.
type Conn struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger

	writeMu sync.Mutex
	nextNum uint64

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[uint64]chan Progress

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps rw in a Conn and starts its read loop. Call RegisterHandler
// for every profile this side should accept before traffic starts, or
// register handlers concurrently — the handlers map is safe for concurrent
// use while the read loop runs.
func NewConn(rw io.ReadWriteCloser) *Conn {
	c := &Conn{
		rw:       rw,
		logger:   replog.Component("wire"),
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan Progress),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RegisterHandler installs the handler invoked for inbound requests whose
// Profile matches. Registering for a profile twice replaces the handler.
func (c *Conn) RegisterHandler(profile string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[profile] = h
}

// Closed returns a channel closed once the connection's read loop has
// exited, whether due to Close or a transport error.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Close shuts down the underlying transport and fails all pending requests.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rw.Close()
		c.pendingMu.Lock()
		for num, ch := range c.pending {
			ch <- Progress{State: ProgressComplete, Err: errors.New("connection closed")}
			close(ch)
			delete(c.pending, num)
		}
		c.pendingMu.Unlock()
	})
	return err
}

// SendRequest sends b as a new request and returns a handle whose Progress
// channel eventually delivers exactly one ProgressComplete event carrying
// the peer's reply (or a transport error).
func (c *Conn) SendRequest(b *MessageBuilder, noReply bool) *Request {
	num := atomic.AddUint64(&c.nextNum, 1)
	progress := make(chan Progress, 1)
	if !noReply {
		c.pendingMu.Lock()
		c.pending[num] = progress
		c.pendingMu.Unlock()
	}

	env := envelope{
		Number:     num,
		Profile:    b.Profile,
		Properties: b.Properties,
		Body:       b.Body,
		NoReply:    noReply,
	}
	if err := c.writeEnvelope(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, num)
		c.pendingMu.Unlock()
		progress <- Progress{State: ProgressComplete, Err: err}
		close(progress)
	} else if noReply {
		progress <- Progress{State: ProgressComplete}
		close(progress)
	}
	return &Request{Number: num, Progress: progress}
}

func (c *Conn) sendResponse(num uint64, body []byte, errInfo *ErrorInfo) error {
	env := envelope{
		Number:     num,
		Body:       body,
		IsResponse: true,
		Error:      errInfo,
	}
	return c.writeEnvelope(env)
}

func (c *Conn) writeEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding wire envelope")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "writing frame length")
	}
	if _, err := c.rw.Write(data); err != nil {
		return errors.Wrap(err, "writing frame body")
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	for {
		env, err := c.readEnvelope()
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("read loop exiting", zap.Error(err))
			}
			c.failAllPending(err)
			return
		}
		if env.IsResponse {
			c.deliverResponse(env)
		} else {
			c.dispatchRequest(env)
		}
	}
}

func (c *Conn) readEnvelope() (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, errors.Wrap(err, "decoding wire envelope")
	}
	return env, nil
}

func (c *Conn) deliverResponse(env envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.Number]
	if ok {
		delete(c.pending, env.Number)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	msg := &Message{number: env.Number, body: env.Body, isResponse: true, errInfo: env.Error, conn: c}
	ch <- Progress{State: ProgressComplete, Reply: msg}
	close(ch)
}

func (c *Conn) dispatchRequest(env envelope) {
	c.handlersMu.RLock()
	h, ok := c.handlers[env.Profile]
	c.handlersMu.RUnlock()

	msg := &Message{
		number:     env.Number,
		profile:    env.Profile,
		properties: env.Properties,
		body:       env.Body,
		noReply:    env.NoReply,
		conn:       c,
	}
	if !ok {
		c.logger.Warn("no handler registered for profile", zap.String("profile", env.Profile))
		msg.RespondWithError(404, "no handler for profile "+env.Profile)
		return
	}
	go h(msg)
}

func (c *Conn) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for num, ch := range c.pending {
		ch <- Progress{State: ProgressComplete, Err: err}
		close(ch)
		delete(c.pending, num)
	}
}
