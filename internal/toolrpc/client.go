package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/zulandar/cinechat/internal/log"
	"github.com/zulandar/cinechat/internal/metrics"
)

var (
	// ErrWorkerStart is returned when the worker cannot be launched or does
	// not complete the handshake in time.
	ErrWorkerStart = errors.New("toolrpc: worker failed to start")
	// ErrBusy is returned when another call holds the channel past the lock
	// timeout. Nothing was written to the stream.
	ErrBusy = errors.New("toolrpc: worker busy")
	// ErrWorkerTimeout is returned when no response arrived within the call
	// timeout.
	ErrWorkerTimeout = errors.New("toolrpc: worker timed out")
	// ErrWorkerExited is returned once the worker's output stream has ended
	// or the client was stopped.
	ErrWorkerExited = errors.New("toolrpc: worker exited")
)

// ToolError is a tool result flagged isError by the worker.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("toolrpc: tool %s failed: %s", e.Tool, e.Text)
}

// Options tunes call timing.
type Options struct {
	CallTimeout time.Duration // default 10s
	LockTimeout time.Duration // default 15s
}

func (o *Options) applyDefaults() {
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 15 * time.Second
	}
}

type pendingCall struct {
	id int64
	ch chan Response
}

// Client issues one request at a time over a byte stream and matches
// responses by id. Responses with any other id are dropped, so a reply that
// arrives after its caller timed out cannot be mistaken for a later one.
type Client struct {
	opts   Options
	logger zerolog.Logger

	w       io.Writer
	writeMu sync.Mutex
	closers []io.Closer

	nextID atomic.Int64
	sem    *semaphore.Weighted

	pendingMu sync.Mutex
	pending   *pendingCall

	readerDone chan struct{}

	stopOnce sync.Once
	onStop   func()
}

// Dial wraps an existing stream pair. r carries responses from the worker and
// w carries requests to it. Closers are closed by Stop.
func Dial(r io.Reader, w io.Writer, opts Options, closers ...io.Closer) *Client {
	opts.applyDefaults()
	c := &Client{
		opts:       opts,
		logger:     log.WithComponent("toolrpc"),
		w:          w,
		closers:    closers,
		sem:        semaphore.NewWeighted(1),
		readerDone: make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.readerDone)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
	}
}

func (c *Client) dispatch(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		// Notifications and non-protocol output are not responses.
		c.logger.Debug().Bytes("line", trimLine(line)).Msg("ignoring non-response line")
		return
	}

	c.pendingMu.Lock()
	p := c.pending
	if p != nil && p.id == *resp.ID {
		c.pending = nil
	} else {
		p = nil
	}
	c.pendingMu.Unlock()

	if p == nil {
		metrics.RPCStaleResponsesTotal.Inc()
		c.logger.Warn().Int64(log.FieldRequestID, *resp.ID).Msg("dropping stale response")
		return
	}
	p.ch <- resp
}

// Call sends method with params and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, method, params, c.opts.CallTimeout)
}

// CallWithTimeout is Call with a response timeout for this call only. A
// non-positive timeout uses the client's CallTimeout.
func (c *Client) CallWithTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	return c.call(ctx, method, params, timeout)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.roundTrip(ctx, method, params, timeout)
	outcome := "ok"
	switch {
	case err == nil:
		metrics.RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	case errors.Is(err, ErrBusy):
		outcome = "busy"
	case errors.Is(err, ErrWorkerTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrWorkerExited):
		outcome = "exited"
	default:
		outcome = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues(method, outcome).Inc()
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	lockCtx, cancelLock := context.WithTimeout(ctx, c.opts.LockTimeout)
	err := c.sem.Acquire(lockCtx, 1)
	cancelLock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	defer c.sem.Release(1)

	select {
	case <-c.readerDone:
		return nil, ErrWorkerExited
	default:
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	p := &pendingCall{id: id, ch: make(chan Response, 1)}
	c.pendingMu.Lock()
	c.pending = p
	c.pendingMu.Unlock()
	defer c.clearPending(p)

	c.logger.Debug().Int64(log.FieldRequestID, id).Str(log.FieldMethod, method).Msg("sending request")
	if err := c.write(Request{JSONRPC: Version, ID: &id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.logger.Warn().Int64(log.FieldRequestID, id).Str(log.FieldMethod, method).
			Dur("timeout", timeout).Msg("request timed out")
		return nil, fmt.Errorf("%w: %s after %s", ErrWorkerTimeout, method, timeout)
	case <-c.readerDone:
		return nil, ErrWorkerExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) clearPending(p *pendingCall) {
	c.pendingMu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.pendingMu.Unlock()
}

// Notify sends a notification. It does not wait for the call lock.
func (c *Client) Notify(method string, params interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(Request{JSONRPC: Version, Method: method, Params: raw})
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("toolrpc: marshal request: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrWorkerExited, err)
	}
	return nil
}

// Initialize performs the handshake within timeout.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      Implementation{Name: "cinechat-bot", Version: "1.0"},
	}
	raw, err := c.call(ctx, MethodInitialize, params, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrWorkerStart, err)
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode initialize result: %v", ErrWorkerStart, err)
	}
	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerStart, err)
	}
	c.logger.Info().Str("server", res.ServerInfo.Name).Str("protocol", res.ProtocolVersion).Msg("worker initialized")
	return &res, nil
}

// ListTools returns the worker's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var res ToolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("toolrpc: decode tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool and returns the text of its first content item.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (string, error) {
	rawArgs, err := marshalParams(args)
	if err != nil {
		return "", err
	}
	raw, err := c.Call(ctx, MethodToolsCall, CallParams{Name: name, Arguments: rawArgs})
	if err != nil {
		return "", err
	}
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("toolrpc: decode tools/call: %w", err)
	}
	if len(res.Content) == 0 {
		return "", fmt.Errorf("toolrpc: tool %s returned no content", name)
	}
	if res.IsError {
		return "", &ToolError{Tool: name, Text: res.Content[0].Text}
	}
	return res.Content[0].Text, nil
}

// Done is closed once the worker's output stream has ended.
func (c *Client) Done() <-chan struct{} { return c.readerDone }

// Stop closes the stream and terminates the worker if the client owns it.
// It is idempotent and waits for the read loop to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		for _, cl := range c.closers {
			_ = cl.Close()
		}
		if c.onStop != nil {
			c.onStop()
		}
		<-c.readerDone
	})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("toolrpc: marshal params: %w", err)
	}
	return raw, nil
}

func trimLine(b []byte) []byte {
	const max = 256
	if len(b) > max {
		return b[:max]
	}
	return b
}
