package keyless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/keylesshq/keyless-go/pkg/keyless/logging"
)

// ConnMetrics receives lifecycle and per-request observations from a Conn.
// A nil ConnMetrics is valid everywhere this type is accepted; callers that
// don't care about metrics simply never set one.
type ConnMetrics interface {
	RequestServed(op Opcode, code ErrorCode, dur time.Duration)
}

// Conn drives the request/response loop for a single accepted connection. A
// dedicated reader goroutine (the caller's own goroutine, see Serve) decodes
// and dispatches requests serially; a writer goroutine drains the resulting
// responses onto the wire in the same order they were produced (spec
// invariant I3). The two are coupled through a bounded outboundQueue: once
// the queue is full the reader blocks when it goes to enqueue its next
// response, so it reads at most one request past a full queue rather than
// buffering unbounded work ahead of a slow or stalled client.
type Conn struct {
	raw         net.Conn
	dispatcher  *Dispatcher
	log         logging.Logger
	idleTimeout time.Duration
	metrics     ConnMetrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *outboundQueue
	closed bool
	werr   error
}

// NewConn wraps raw for serving. idleTimeout of zero disables the read
// deadline (a connection may then sit open indefinitely between requests).
func NewConn(raw net.Conn, dispatcher *Dispatcher, log logging.Logger, idleTimeout time.Duration) *Conn {
	c := &Conn{
		raw:         raw,
		dispatcher:  dispatcher,
		log:         log,
		idleTimeout: idleTimeout,
		queue:       newOutboundQueue(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// WithMetrics attaches m to the connection for per-request observation and
// returns c, for chaining onto NewConn.
func (c *Conn) WithMetrics(m ConnMetrics) *Conn {
	c.metrics = m
	return c
}

// Serve runs the connection's read/dispatch/write loop until the peer closes
// the connection, a fatal I/O or protocol error occurs, or ctx is canceled.
// It always closes raw before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer func() { _ = c.raw.Close() }()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.raw.Close()
		case <-stopWatch:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	readErr := c.readLoop()

	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-writerDone

	if readErr != nil && errors.Is(readErr, io.EOF) {
		return nil
	}
	return readErr
}

func (c *Conn) readLoop() error {
	header := make([]byte, HeaderSize)
	for {
		if c.idleTimeout > 0 {
			if err := c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return fmt.Errorf("keyless: set read deadline: %w", err)
			}
		}
		if _, err := io.ReadFull(c.raw, header); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("keyless: read header: %w", err)
		}

		h, err := DecodeHeader(header)
		if err != nil {
			// Unreachable: header is always exactly HeaderSize bytes here.
			return err
		}

		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(c.raw, payload); err != nil {
			return fmt.Errorf("keyless: read payload: %w", err)
		}

		if err := c.handleFrame(h, payload); err != nil {
			return err
		}
	}
}

// handleFrame processes one fully-read frame: version check, item decode,
// dispatch, and enqueueing the resulting response or error frame. It returns
// a non-nil error only when the connection itself must be torn down (an
// INTERNAL dispatch failure, or a failure encoding the reply); every other
// protocol-level problem is answered with an ERROR frame and the loop
// continues.
func (c *Conn) handleFrame(h Header, payload []byte) error {
	start := time.Now()
	if h.VersionMajor != ProtocolVersionMajor {
		// Precise discard: payload has already been read to completion above,
		// so the framing stays intact for the next request regardless of how
		// the mismatched version encoded its body.
		c.observe(OpError, ErrVersionMismatch, start)
		return c.replyError(h.ID, ErrVersionMismatch)
	}

	items, err := DecodeItems(payload)
	if err != nil {
		c.observe(OpError, AsWireError(err), start)
		return c.replyError(h.ID, AsWireError(err))
	}

	op, ok := items.Opcode()
	if !ok {
		c.observe(OpError, ErrFormat, start)
		return c.replyError(h.ID, ErrFormat)
	}
	keyID, _ := items.KeyID()
	reqPayload, _ := items.Payload()

	result, respOp, dispatchErr := c.dispatcher.Dispatch(op, keyID, reqPayload)
	if dispatchErr != nil {
		code := AsWireError(dispatchErr)
		c.observe(op, code, start)
		if code == ErrInternal {
			c.log.Error(context.Background(), "internal dispatch failure, terminating connection",
				"request_id", h.ID, "error", dispatchErr)
			return dispatchErr
		}
		return c.replyError(h.ID, code)
	}

	c.observe(op, ErrNone, start)
	frame, encErr := EncodeResponse(h.ID, respOp, result)
	if encErr != nil {
		return fmt.Errorf("keyless: encode response: %w", encErr)
	}
	return c.enqueue(frame)
}

func (c *Conn) observe(op Opcode, code ErrorCode, start time.Time) {
	if c.metrics != nil {
		c.metrics.RequestServed(op, code, time.Since(start))
	}
}

// replyError builds and enqueues an ERROR frame for request id. The encode
// can only fail if code is out of the uint8 range, which never happens for
// the ErrorCode values defined in this package.
func (c *Conn) replyError(id RequestID, code ErrorCode) error {
	frame, err := EncodeError(id, code)
	if err != nil {
		return fmt.Errorf("keyless: encode error frame for request %d: %w", id, err)
	}
	return c.enqueue(frame)
}

// enqueue pushes frame onto the outbound queue, blocking while it is full so
// the reader never gets further ahead of the writer than outboundQueueCap
// responses. It fails only if the writer has already terminated the
// connection with an I/O error.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.queue.Full() && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		if c.werr != nil {
			return c.werr
		}
		return io.ErrClosedPipe
	}
	c.queue.push(frame)
	c.cond.Broadcast()
	return nil
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for c.queue.Len() == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.queue.Len() == 0 {
			c.mu.Unlock()
			return
		}
		frame, _ := c.queue.peek()
		c.mu.Unlock()

		_, err := c.raw.Write(frame)

		c.mu.Lock()
		if err != nil {
			c.werr = fmt.Errorf("keyless: write response: %w", err)
			c.closed = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		c.queue.pop()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}
