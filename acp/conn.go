package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/nekocode/agent-team/errors"
)

// maxFrameBytes caps a single JSON-RPC line read from the peer.
const maxFrameBytes = 16 << 20

// Handler receives the peer's inbound traffic. Notifications are delivered
// in wire order on the read loop; requests are dispatched on their own
// goroutine so a slow handler (a permission prompt waiting on the operator)
// does not stall notification delivery.
type Handler interface {
	HandleNotification(method string, params json.RawMessage)
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *RPCError)
}

// Conn is a symmetric JSON-RPC 2.0 connection over a byte stream pair.
// All methods are safe for concurrent use; writes are serialized
// internally, so a cancel notification can be issued while a prompt call
// is in flight.
type Conn struct {
	handler Handler
	out     io.Writer
	trace   func(string)

	writeLock sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *jsonrpcMessage
	closed  bool
	readErr error

	done chan struct{}
}

// NewConn starts a connection reading from in and writing to out. The read
// loop runs until EOF or a framing error, then fails every in-flight call.
func NewConn(handler Handler, out io.Writer, in io.Reader, trace func(string)) *Conn {
	if trace == nil {
		trace = func(string) {}
	}
	c := &Conn{
		handler: handler,
		out:     out,
		trace:   trace,
		pending: make(map[int64]chan *jsonrpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(in)
	return c
}

// Done is closed once the read loop has terminated (peer EOF, framing
// failure, or Close).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal read error, if any, after Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close tears down the connection and fails all in-flight calls.
func (c *Conn) Close() {
	c.fail(errors.New("connection closed"))
}

// Call issues a request and decodes the response into result (which may be
// nil). A *RPCError from the peer is returned as-is.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	ch := make(chan *jsonrpcMessage, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return errors.Wrapf(err, "connection closed")
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		c.unregister(id)
		return err
	}
	if err := c.writeMessage(&jsonrpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		c.unregister(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	case <-c.done:
		return errors.Wrapf(c.Err(), "connection closed during %s", method)
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "failed to decode %s result", method)
			}
		}
		return nil
	}
}

// Notify sends a notification; it does not wait for anything.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.writeMessage(&jsonrpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode params")
	}
	return raw, nil
}

func (c *Conn) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) writeMessage(msg *jsonrpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode message")
	}
	c.trace("send: " + string(data))
	data = append(data, '\n')

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if _, err := c.out.Write(data); err != nil {
		return errors.Wrapf(err, "write failed")
	}
	return nil
}

// readLoop drains the peer's stream. Responses are matched to pending
// calls; notifications run inline to preserve wire order; requests get a
// goroutine each.
func (c *Conn) readLoop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 8192), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.trace("recv: " + string(line))

		var msg jsonrpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Unparseable peer traffic; report and keep reading.
			_ = c.writeMessage(&jsonrpcMessage{
				JSONRPC: "2.0",
				Error:   NewRPCError(CodeParseError, "Parse error", nil),
			})
			continue
		}

		switch {
		case msg.isRequest():
			go c.serveRequest(&msg)
		case msg.isNotification():
			c.handler.HandleNotification(msg.Method, msg.Params)
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

func (c *Conn) serveRequest(req *jsonrpcMessage) {
	result, rpcErr := c.handler.HandleRequest(context.Background(), req.Method, req.Params)

	resp := &jsonrpcMessage{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewRPCError(CodeInternalError, "Internal error", err.Error())
		} else {
			resp.Result = raw
		}
	}
	_ = c.writeMessage(resp)
}

// fail marks the connection dead and wakes every waiter exactly once.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	c.pending = make(map[int64]chan *jsonrpcMessage)
	c.mu.Unlock()
	close(c.done)

	// Dropping the peer's stdin lets a child that respects EOF exit.
	if closer, ok := c.out.(io.Closer); ok {
		closer.Close()
	}
}
