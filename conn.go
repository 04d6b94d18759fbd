package redis

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConnOptions configures Connect/CreateConnection.
type ConnOptions struct {
	// DB is the database index selected after connecting. Must be
	// non-negative; validated before any I/O.
	DB int64
	// Password, when non-empty, triggers an AUTH before SELECT.
	Password []byte
	// Encoding is the default text decoding applied to bulk/simple
	// string replies when the caller doesn't override it per-command.
	Encoding Encoding
	// DialTimeout bounds connection establishment. Zero defaults to one
	// second.
	DialTimeout time.Duration
}

type errBox struct{ err error }

// Connection owns one socket to a Redis node: it encodes and sends
// commands, correlates replies with their waiters in strict FIFO order,
// and — while subscribed — routes pub/sub pushes to Channels.
type Connection struct {
	// Addr is the normalized node address in use. Read-only.
	Addr string

	netConn  net.Conn
	parser   Parser
	encoding Encoding

	password atomic.Value // []byte
	db       atomic.Int64

	writeMu sync.Mutex
	waiters waiterQueue

	pubsubMu       sync.Mutex
	pubsubChannels map[string]*Channel
	pubsubPatterns map[string]*Channel
	inPubSub       int

	closed       atomic.Bool
	shutdownOnce sync.Once
	closeReason  atomic.Value // errBox
	doneCh       chan struct{}
}

// Connect opens a TCP (host:port) or Unix domain socket (absolute path)
// connection, performs an optional AUTH then SELECT, and spawns the
// reader goroutine.
func Connect(ctx context.Context, address string, opts ConnOptions) (*Connection, error) {
	if opts.DB < 0 {
		return nil, &ValueError{Msg: fmt.Sprintf("db must be non-negative, got %d", opts.DB)}
	}

	addr := normalizeAddr(address)
	network := "tcp"
	if isUnixAddr(addr) {
		network = "unix"
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = time.Second
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := netConn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c := &Connection{
		Addr:           addr,
		netConn:        netConn,
		encoding:       opts.Encoding,
		pubsubChannels: make(map[string]*Channel),
		pubsubPatterns: make(map[string]*Channel),
		doneCh:         make(chan struct{}),
	}
	c.db.Store(opts.DB)
	if len(opts.Password) > 0 {
		c.password.Store(append([]byte(nil), opts.Password...))
	}

	go c.readLoop()

	if len(opts.Password) > 0 {
		ok, err := c.Auth(ctx, opts.Password)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis: AUTH on new connection: %w", err)
		}
		if !ok {
			c.Close()
			return nil, redisErrorf("AUTH rejected")
		}
		logger.Debug().Str("addr", addr).Msg("authenticated")
	}
	if opts.DB != 0 {
		ok, err := c.Select(ctx, opts.DB)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis: SELECT on new connection: %w", err)
		}
		if !ok {
			c.Close()
			return nil, redisErrorf("SELECT rejected")
		}
	}

	logger.Debug().Str("addr", addr).Msg("connected")
	return c, nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("<Connection %s [db:%d]>", c.Addr, c.db.Load())
}

// DB returns the currently selected database index.
func (c *Connection) DB() int64 { return c.db.Load() }

// Encoding returns the connection's default text decoding.
func (c *Connection) Encoding() Encoding { return c.encoding }

// InPubSub returns the number of active channel and pattern subscriptions.
func (c *Connection) InPubSub() int {
	c.pubsubMu.Lock()
	defer c.pubsubMu.Unlock()
	return c.inPubSub
}

// PubSubChannels returns a snapshot of active channel subscriptions keyed
// by channel name.
func (c *Connection) PubSubChannels() map[string]*Channel {
	c.pubsubMu.Lock()
	defer c.pubsubMu.Unlock()
	out := make(map[string]*Channel, len(c.pubsubChannels))
	for k, v := range c.pubsubChannels {
		out[k] = v
	}
	return out
}

// PubSubPatterns returns a snapshot of active pattern subscriptions keyed
// by pattern.
func (c *Connection) PubSubPatterns() map[string]*Channel {
	c.pubsubMu.Lock()
	defer c.pubsubMu.Unlock()
	out := make(map[string]*Channel, len(c.pubsubPatterns))
	for k, v := range c.pubsubPatterns {
		out[k] = v
	}
	return out
}

func (c *Connection) isClosed() bool { return c.closed.Load() }

func (c *Connection) reason() error {
	if v, ok := c.closeReason.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// Execute sends a command and awaits its reply in FIFO pipeline order,
// decoding bulk/simple strings with the connection's default Encoding.
func (c *Connection) Execute(ctx context.Context, name interface{}, args ...interface{}) (Value, error) {
	return c.ExecuteEncoded(ctx, c.encoding, name, args...)
}

// ExecuteEncoded is Execute with an explicit per-call decoding override.
func (c *Connection) ExecuteEncoded(ctx context.Context, encoding Encoding, name interface{}, args ...interface{}) (Value, error) {
	cmd, err := NewCommand(name, args...)
	if err != nil {
		// Input errors are raised before any I/O; no waiter is enqueued.
		return Value{}, err
	}
	return c.executeCommand(ctx, cmd, encoding)
}

func (c *Connection) executeCommand(ctx context.Context, cmd *Command, encoding Encoding) (Value, error) {
	if c.isClosed() {
		return Value{}, &ConnectionClosedError{Reason: c.reason()}
	}

	name := cmd.Name()
	c.pubsubMu.Lock()
	inPubSub := c.inPubSub
	c.pubsubMu.Unlock()
	if inPubSub > 0 && !allowedInPubSub(name) {
		return Value{}, redisErrorf("connection in SUBSCRIBE mode")
	}

	w := newWaiter(encoding, false)
	buf := cmd.Encode(nil)

	c.writeMu.Lock()
	if c.isClosed() {
		c.writeMu.Unlock()
		return Value{}, &ConnectionClosedError{Reason: c.reason()}
	}
	c.waiters.push(w)
	_, werr := c.netConn.Write(buf)
	c.writeMu.Unlock()
	if werr != nil {
		c.doShutdown(werr)
		return Value{}, &ConnectionClosedError{Reason: werr}
	}

	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-ctx.Done():
		// The command is already on the wire: its reply will still be
		// consumed from the stream by the reader goroutine and this
		// waiter simply discarded (buffered channel absorbs the send).
		return Value{}, ctx.Err()
	}
}

// PubSubAck is one [kind, name, count] acknowledgment returned by
// ExecutePubSub for each channel/pattern it touched.
type PubSubAck struct {
	Kind  string
	Name  []byte
	Count int64
}

// ExecutePubSub issues SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/PUNSUBSCRIBE for
// one or more names and returns one acknowledgment per name, in server
// response order. UNSUBSCRIBE of a name that was never subscribed still
// returns a valid ack carrying the current (unchanged) count.
func (c *Connection) ExecutePubSub(ctx context.Context, cmd string, names ...string) ([]PubSubAck, error) {
	upper := strings.ToUpper(cmd)
	if !pubsubCommandNames[upper] {
		return nil, redisErrorf("%s is not a pub/sub subscription command", cmd)
	}
	if len(names) == 0 {
		return nil, redisErrorf("%s requires at least one channel or pattern", upper)
	}

	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	command, err := NewCommand(upper, args...)
	if err != nil {
		return nil, err
	}

	if c.isClosed() {
		return nil, &ConnectionClosedError{Reason: c.reason()}
	}

	waiters := make([]*waiter, len(names))
	for i := range waiters {
		waiters[i] = newWaiter("", true)
	}
	buf := command.Encode(nil)

	c.writeMu.Lock()
	if c.isClosed() {
		c.writeMu.Unlock()
		return nil, &ConnectionClosedError{Reason: c.reason()}
	}
	for _, w := range waiters {
		c.waiters.push(w)
	}
	_, werr := c.netConn.Write(buf)
	c.writeMu.Unlock()
	if werr != nil {
		c.doShutdown(werr)
		return nil, &ConnectionClosedError{Reason: werr}
	}

	acks := make([]PubSubAck, len(waiters))
	for i, w := range waiters {
		select {
		case res := <-w.ch:
			if res.err != nil {
				return nil, res.err
			}
			ack, perr := parsePubSubAck(res.value)
			if perr != nil {
				return nil, perr
			}
			acks[i] = ack
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return acks, nil
}

func isPubSubAckReply(v Value) bool {
	kind, ok := isPushEnvelope(v)
	if !ok {
		return false
	}
	switch kind {
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		return true
	default:
		return false
	}
}

func parsePubSubAck(v Value) (PubSubAck, error) {
	if v.Kind != Array || len(v.Array) != 3 {
		return PubSubAck{}, protocolErrorf("malformed pub/sub acknowledgment %v", v)
	}
	kind := v.Array[0]
	name := v.Array[1]
	count := v.Array[2]
	if kind.Kind != Bulk || count.Kind != Integer {
		return PubSubAck{}, protocolErrorf("malformed pub/sub acknowledgment %v", v)
	}
	return PubSubAck{Kind: string(kind.Bulk), Name: name.Bulk, Count: count.Int}, nil
}

// Auth executes AUTH. On success the password becomes sticky for this
// Connection (used by nothing further here, since Connections don't
// auto-reconnect, but kept for API symmetry with Select).
func (c *Connection) Auth(ctx context.Context, password []byte) (bool, error) {
	v, err := c.Execute(ctx, "AUTH", password)
	if err != nil {
		return false, err
	}
	ok := v.Kind == SimpleString && v.Str == "OK"
	if ok {
		c.password.Store(append([]byte(nil), password...))
	}
	return ok, nil
}

// Select executes SELECT db. On success it updates DB().
func (c *Connection) Select(ctx context.Context, db int64) (bool, error) {
	if db < 0 {
		return false, &ValueError{Msg: fmt.Sprintf("db must be non-negative, got %d", db)}
	}
	v, err := c.Execute(ctx, "SELECT", db)
	if err != nil {
		return false, err
	}
	ok := v.Kind == SimpleString && v.Str == "OK"
	if ok {
		c.db.Store(db)
	}
	return ok, nil
}

// ScriptLoad executes SCRIPT LOAD and returns the 40-character hex SHA-1
// digest Redis assigns the script, for later EVALSHA/ScriptExists calls.
func (c *Connection) ScriptLoad(ctx context.Context, script string) (string, error) {
	v, err := c.ExecuteEncoded(ctx, UTF8, "SCRIPT", "LOAD", script)
	if err != nil {
		return "", err
	}
	if v.Kind != Bulk && v.Kind != SimpleString {
		return "", protocolErrorf("SCRIPT LOAD: expected string reply, got %s", v.Kind)
	}
	return v.Str, nil
}

// ScriptExists executes SCRIPT EXISTS for one or more SHA-1 digests and
// reports, per digest and in the same order, whether it is currently
// cached on this connection's server.
func (c *Connection) ScriptExists(ctx context.Context, sha1 ...string) ([]bool, error) {
	if len(sha1) == 0 {
		return nil, redisErrorf("SCRIPT EXISTS requires at least one sha1 digest")
	}
	args := make([]interface{}, len(sha1))
	for i, h := range sha1 {
		args[i] = h
	}
	v, err := c.Execute(ctx, "SCRIPT", append([]interface{}{"EXISTS"}, args...)...)
	if err != nil {
		return nil, err
	}
	if v.Kind != Array || len(v.Array) != len(sha1) {
		return nil, protocolErrorf("SCRIPT EXISTS: expected %d-element array reply, got %s", len(sha1), v.Kind)
	}
	out := make([]bool, len(v.Array))
	for i, elem := range v.Array {
		if elem.Kind != Integer {
			return nil, protocolErrorf("SCRIPT EXISTS: expected integer elements, got %s", elem.Kind)
		}
		out[i] = elem.Int == 1
	}
	return out, nil
}

// ScriptFlush executes SCRIPT FLUSH, clearing the server's script cache.
func (c *Connection) ScriptFlush(ctx context.Context) error {
	v, err := c.Execute(ctx, "SCRIPT", "FLUSH")
	if err != nil {
		return err
	}
	if !(v.Kind == SimpleString && v.Str == "OK") {
		return protocolErrorf("SCRIPT FLUSH: unexpected reply %v", v)
	}
	return nil
}

// ScriptKill executes SCRIPT KILL, terminating a long-running EVAL/EVALSHA
// script in progress on the server.
func (c *Connection) ScriptKill(ctx context.Context) error {
	v, err := c.Execute(ctx, "SCRIPT", "KILL")
	if err != nil {
		return err
	}
	if !(v.Kind == SimpleString && v.Str == "OK") {
		return protocolErrorf("SCRIPT KILL: unexpected reply %v", v)
	}
	return nil
}

// Close initiates shutdown: it stops further command submission, closes
// the socket at once, and fails every surviving waiter with
// ConnectionClosedError. Replies still in flight are not drained first.
// Idempotent.
func (c *Connection) Close() error {
	c.doShutdown(nil)
	return nil
}

// WaitClosed resolves once the reader goroutine has terminated. Canceling
// ctx is a no-op from the Connection's perspective: shutdown continues
// regardless and WaitClosed simply stops waiting.
func (c *Connection) WaitClosed(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *Connection) doShutdown(reason error) {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.closeReason.Store(errBox{err: reason})
		c.netConn.Close()
		c.failAllWaiters(reason)
		c.deactivateAllChannels()
		if reason != nil {
			logger.Debug().Str("addr", c.Addr).Err(reason).Msg("connection closed")
		} else {
			logger.Debug().Str("addr", c.Addr).Msg("connection closed")
		}
	})
}

func (c *Connection) failAllWaiters(reason error) {
	for _, w := range c.waiters.drain() {
		if pe, ok := reason.(*ProtocolError); ok {
			// The in-flight command at the moment of poisoning observes
			// the protocol violation directly, not a generic
			// closed-connection wrapper.
			w.resolve(Value{}, pe)
		} else {
			w.resolve(Value{}, &ConnectionClosedError{Reason: reason})
		}
	}
}

func (c *Connection) deactivateAllChannels() {
	c.pubsubMu.Lock()
	channels := c.pubsubChannels
	patterns := c.pubsubPatterns
	c.pubsubChannels = make(map[string]*Channel)
	c.pubsubPatterns = make(map[string]*Channel)
	c.inPubSub = 0
	c.pubsubMu.Unlock()

	for _, ch := range channels {
		ch.deactivate()
	}
	for _, ch := range patterns {
		ch.deactivate()
	}
}

// readLoop is the sole reader goroutine for this Connection: it feeds raw
// bytes to the Parser and dispatches each decoded value, either resolving
// the head waiter (request/reply mode) or routing a pub/sub push to its
// Channel.
func (c *Connection) readLoop() {
	defer close(c.doneCh)

	buf := make([]byte, 4096)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
			for {
				v, ok, perr := c.parser.TryNext()
				if perr != nil {
					c.doShutdown(perr)
					return
				}
				if !ok {
					break
				}
				c.dispatch(v)
			}
		}
		if err != nil {
			c.doShutdown(err)
			return
		}
	}
}

func (c *Connection) dispatch(v Value) {
	c.pubsubMu.Lock()
	inPubSub := c.inPubSub
	c.pubsubMu.Unlock()

	if inPubSub > 0 {
		if kind, ok := isPushEnvelope(v); ok {
			switch kind {
			case "message":
				if len(v.Array) == 3 {
					name := string(v.Array[1].Bulk)
					c.pubsubMu.Lock()
					ch := c.pubsubChannels[name]
					c.pubsubMu.Unlock()
					if ch != nil {
						ch.push(append([]byte(nil), v.Array[2].Bulk...))
					}
				}
				return

			case "pmessage":
				if len(v.Array) == 4 {
					pattern := string(v.Array[1].Bulk)
					c.pubsubMu.Lock()
					ch := c.pubsubPatterns[pattern]
					c.pubsubMu.Unlock()
					if ch != nil {
						ch.push(PatternMessage{
							Channel: append([]byte(nil), v.Array[2].Bulk...),
							Payload: append([]byte(nil), v.Array[3].Bulk...),
						})
					}
				}
				return

			case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
				c.applySubAck(kind, v)
				c.resolveHead(v, nil)
				return
			}
		}
	}

	c.resolveHead(v, v.Err())
}

func (c *Connection) applySubAck(kind string, v Value) {
	if len(v.Array) != 3 || v.Array[1].Kind != Bulk {
		return
	}
	name := string(v.Array[1].Bulk)

	c.pubsubMu.Lock()
	switch kind {
	case "subscribe":
		if _, exists := c.pubsubChannels[name]; !exists {
			c.pubsubChannels[name] = newChannel(v.Array[1].Bulk, false)
		}
	case "psubscribe":
		if _, exists := c.pubsubPatterns[name]; !exists {
			c.pubsubPatterns[name] = newChannel(v.Array[1].Bulk, true)
		}
	case "unsubscribe":
		if ch, exists := c.pubsubChannels[name]; exists {
			delete(c.pubsubChannels, name)
			defer ch.deactivate()
		}
	case "punsubscribe":
		if ch, exists := c.pubsubPatterns[name]; exists {
			delete(c.pubsubPatterns, name)
			defer ch.deactivate()
		}
	}
	c.inPubSub = len(c.pubsubChannels) + len(c.pubsubPatterns)
	c.pubsubMu.Unlock()
}

func (c *Connection) resolveHead(v Value, err error) {
	w, ok := c.waiters.pop()
	if !ok {
		logger.Warn().Str("addr", c.Addr).Msg("reply received with no waiter pending")
		return
	}
	if !w.pubsub && isPubSubAckReply(v) {
		logger.Warn().Str("addr", c.Addr).Msg("pub/sub acknowledgment matched to a non-pub/sub waiter; FIFO order may be desynchronized")
	}
	if err != nil {
		w.resolve(Value{}, err)
		return
	}
	if w.pubsub {
		// Update subscription state before the caller sees the ack, so the
		// first SUBSCRIBE (received while in_pubsub is still 0) registers too.
		if kind, ok := isPushEnvelope(v); ok {
			c.applySubAck(kind, v)
		}
	}
	decoded, derr := applyDecoding(v, w.decode)
	if derr != nil {
		w.resolve(Value{}, derr)
		return
	}
	w.resolve(decoded, nil)
}
