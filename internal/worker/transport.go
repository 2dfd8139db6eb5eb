package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rpcRequest is a JSON-RPC 2.0 request envelope, one per line.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type initParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type rpcResponse struct {
	ID     *int64     `json:"id"`
	Result *rpcResult `json:"result,omitempty"`
	Error  *rpcError  `json:"error,omitempty"`
}

type rpcResult struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transport speaks line-delimited JSON-RPC 2.0 to one worker process.
//
// Both workers share a single request-id counter owned by the supervisor,
// so ids increase strictly for the supervisor's lifetime. A persistent
// reader goroutine dispatches each reply line to the pending call with the
// matching id; this is what keeps concurrent fan-out calls against the
// same worker from stealing each other's replies.
type Transport struct {
	role   Role
	handle *Handle
	ids    *atomic.Int64
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	closed  bool
}

// NewTransport wires a transport onto a spawned handle and starts the
// reader loop.
func NewTransport(handle *Handle, ids *atomic.Int64, logger *zap.Logger) *Transport {
	t := &Transport{
		role:    handle.Role(),
		handle:  handle,
		ids:     ids,
		logger:  logger,
		pending: make(map[int64]chan *rpcResponse),
	}
	go t.readLoop()
	return t
}

// Handle exposes the underlying process handle for liveness checks.
func (t *Transport) Handle() *Handle { return t.handle }

// readLoop reads reply lines from the worker's stdout until EOF and
// routes each to its pending call by id.
func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.handle.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Unattributable reply. Hand it to the oldest waiter so the
			// originating call surfaces the raw line instead of timing out.
			t.deliverToOldest(&rpcResponse{Error: &rpcError{
				Message: fmt.Sprintf("invalid response line: %s", string(line)),
			}})
			continue
		}

		if resp.ID == nil {
			// Notification or an id-less handshake reply; tolerated.
			t.logger.Debug("worker notification",
				zap.String("role", string(t.role)),
				zap.ByteString("line", line))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Warn("reply for unknown request id",
				zap.String("role", string(t.role)),
				zap.Int64("id", *resp.ID))
			continue
		}
		ch <- &resp
	}

	// EOF or read error: the process is gone, wake every waiter.
	t.mu.Lock()
	t.closed = true
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *Transport) deliverToOldest(resp *rpcResponse) {
	t.mu.Lock()
	var oldest int64 = -1
	for id := range t.pending {
		if oldest == -1 || id < oldest {
			oldest = id
		}
	}
	var ch chan *rpcResponse
	if oldest != -1 {
		ch = t.pending[oldest]
		delete(t.pending, oldest)
	}
	t.mu.Unlock()

	if ch != nil {
		ch <- resp
	} else {
		t.logger.Warn("unparseable worker reply with no pending call",
			zap.String("role", string(t.role)))
	}
}

// send registers a pending call and writes one request line.
func (t *Transport) send(method string, params interface{}) (int64, chan *rpcResponse, error) {
	id := t.ids.Add(1)

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, nil, fmt.Errorf("%s worker not running", t.role)
	}
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	_, err = t.handle.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return 0, nil, fmt.Errorf("failed to write to %s worker: %w", t.role, err)
	}

	return id, ch, nil
}

// Call invokes one named tool and returns its text output.
//
// Failure surfaces as data wherever possible: a timeout returns the
// literal "Timeout calling <tool>" sentinel, a JSON-RPC error envelope
// or unparseable reply returns an "Error: "-prefixed string. Only a
// dead or unreachable process returns a Go error.
func (t *Transport) Call(ctx context.Context, tool string, args map[string]interface{}, timeout time.Duration) (string, error) {
	if !t.handle.Alive() {
		return "", fmt.Errorf("%s worker not running", t.role)
	}

	id, ch, err := t.send("tools/call", callParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("%s worker closed connection", t.role)
		}
		return renderResponse(resp), nil

	case <-timer.C:
		t.dropPending(id)
		t.logger.Warn("tool call timed out",
			zap.String("role", string(t.role)),
			zap.String("tool", tool),
			zap.Duration("timeout", timeout))
		// The blocked read slot is not reclaimed until shutdown; a late
		// reply for this id is discarded by the reader loop.
		return fmt.Sprintf("Timeout calling %s", tool), nil

	case <-ctx.Done():
		t.dropPending(id)
		return "", ctx.Err()
	}
}

// Initialize performs the JSON-RPC handshake. The supervisor only logs
// the outcome; failure leaves the worker degraded but usable.
func (t *Transport) Initialize(clientName, clientVersion string, timeout time.Duration) error {
	if !t.handle.Alive() {
		return fmt.Errorf("%s worker not running", t.role)
	}

	id, ch, err := t.send("initialize", initParams{
		ProtocolVersion: "0.1.0",
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s worker closed connection", t.role)
		}
		if resp.Error != nil {
			return fmt.Errorf("initialize rejected: %s", resp.Error.Message)
		}
		return nil
	case <-timer.C:
		t.dropPending(id)
		return fmt.Errorf("no initialize response from %s worker", t.role)
	}
}

func (t *Transport) dropPending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// renderResponse reduces a reply envelope to the tool's text output.
func renderResponse(resp *rpcResponse) string {
	if resp.Error != nil {
		return "Error: " + resp.Error.Message
	}
	if resp.Result != nil && len(resp.Result.Content) > 0 {
		return resp.Result.Content[0].Text
	}
	return ""
}
