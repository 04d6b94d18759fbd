package redis

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// ClusterOptions configures CreateCluster.
type ClusterOptions struct {
	Password    []byte
	Encoding    Encoding
	DialTimeout time.Duration
	// MaxRedirectRetries bounds how many MOVED/ASK/CLUSTERDOWN redirects a
	// single command follows before giving up with RedisClusterError.
	// Zero defaults to 16.
	MaxRedirectRetries int
}

// multiKeyCommands maps a command name to the stride between successive
// keys in its argument list, for commands that accept more than one key
// and require they all hash to the same slot.
var multiKeyCommands = map[string]int{
	"MGET": 1, "DEL": 1, "UNLINK": 1, "EXISTS": 1, "TOUCH": 1,
	"MSET": 2, "MSETNX": 2,
}

// keylessCommands never route by key; they're sent to an arbitrary
// known master.
var keylessCommands = map[string]bool{
	"PING": true, "INFO": true, "CLUSTER": true, "CLIENT": true,
	"COMMAND": true, "ECHO": true, "CONFIG": true,
}

// Cluster is a cluster-aware command dispatcher: it discovers the
// 16384-slot topology via CLUSTER SLOTS, routes each command to the
// owning node, and follows MOVED/ASK redirects up to a bounded retry
// budget, refreshing its topology when the routing table proves stale.
type Cluster struct {
	opts       ConnOptions
	maxRetries int

	mu        sync.RWMutex
	seeds     []string
	slotTable [SlotCount]string
	nodes     map[string]*nodePool
	masters   []string

	refreshGroup singleflight.Group
}

// CreateCluster discovers cluster topology from the given seed
// addresses and returns a ready Cluster, or an error if no seed could
// be reached.
func CreateCluster(ctx context.Context, seeds []string, opts ClusterOptions) (*Cluster, error) {
	if len(seeds) == 0 {
		return nil, redisErrorf("CreateCluster requires at least one seed address")
	}
	maxRetries := opts.MaxRedirectRetries
	if maxRetries <= 0 {
		maxRetries = 16
	}
	normalized := make([]string, len(seeds))
	for i, s := range seeds {
		normalized[i] = normalizeAddr(s)
	}
	c := &Cluster{
		opts: ConnOptions{
			Password:    opts.Password,
			Encoding:    opts.Encoding,
			DialTimeout: opts.DialTimeout,
		},
		maxRetries: maxRetries,
		seeds:      normalized,
		nodes:      make(map[string]*nodePool),
	}
	if err := c.refreshTopology(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Clear discards the discovered topology and closes every pooled
// connection. The next command triggers a fresh discovery from seeds.
func (c *Cluster) Clear() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*nodePool)
	c.slotTable = [SlotCount]string{}
	c.masters = nil
	c.mu.Unlock()
	for _, p := range nodes {
		p.close()
	}
}

// Execute routes name/args to the node owning the command's key (or an
// arbitrary master for keyless commands), following redirects as
// needed.
func (c *Cluster) Execute(ctx context.Context, name interface{}, args ...interface{}) (Value, error) {
	cmd, err := NewCommand(name, args...)
	if err != nil {
		return Value{}, err
	}
	key, anyMaster, err := routingKeyFor(cmd)
	if err != nil {
		return Value{}, err
	}
	slot := 0
	if !anyMaster {
		slot = int(KeySlot(key))
	}
	return c.executeRouted(ctx, cmd, slot, anyMaster)
}

// Get is a convenience wrapper over Execute("GET", key).
func (c *Cluster) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.Execute(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if v.Kind != Bulk {
		return nil, protocolErrorf("GET: expected bulk reply, got %s", v.Kind)
	}
	return v.Bulk, nil
}

// Delete is a convenience wrapper over Execute("DEL", keys...).
func (c *Cluster) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, redisErrorf("DEL requires at least one key")
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	v, err := c.Execute(ctx, "DEL", args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != Integer {
		return 0, protocolErrorf("DEL: expected integer reply, got %s", v.Kind)
	}
	return v.Int, nil
}

// Eval routes EVAL by the slot of its keys, rejecting scripts whose
// keys straddle more than one slot — cross-slot scripts have no single
// node that could execute them atomically.
func (c *Cluster) Eval(ctx context.Context, script string, keys []string, args []string) (Value, error) {
	if len(keys) == 0 {
		return Value{}, clusterErrorf(nil, "EVAL requires at least one key to determine routing")
	}
	var slot uint16
	for i, k := range keys {
		s := KeySlot([]byte(k))
		if i == 0 {
			slot = s
		} else if s != slot {
			return Value{}, clusterErrorf(nil, "EVAL keys hash to different slots")
		}
	}
	cmdArgs := make([]interface{}, 0, 2+len(keys)+len(args))
	cmdArgs = append(cmdArgs, script, int64(len(keys)))
	for _, k := range keys {
		cmdArgs = append(cmdArgs, k)
	}
	for _, a := range args {
		cmdArgs = append(cmdArgs, a)
	}
	cmd, err := NewCommand("EVAL", cmdArgs...)
	if err != nil {
		return Value{}, err
	}
	return c.executeRouted(ctx, cmd, int(slot), false)
}

// ScriptLoad, ScriptExists, ScriptFlush, ScriptKill are not implemented in
// cluster mode: a single connection can cache a script on its one socket,
// but a cluster has no single node whose script cache is authoritative
// for the whole keyspace — the caller would need to load it on every
// master individually.
func (c *Cluster) ScriptLoad(ctx context.Context, script string) (string, error) {
	return "", clusterErrorf(nil, "script_load is not supported in cluster mode; load the script on each master individually")
}

func (c *Cluster) ScriptExists(ctx context.Context, sha1 ...string) ([]bool, error) {
	return nil, clusterErrorf(nil, "script_exists is not supported in cluster mode")
}

func (c *Cluster) ScriptFlush(ctx context.Context) error {
	return clusterErrorf(nil, "script_flush is not supported in cluster mode")
}

func (c *Cluster) ScriptKill(ctx context.Context) error {
	return clusterErrorf(nil, "script_kill is not supported in cluster mode")
}

// routingKeyFor classifies cmd and extracts its routing key. anyMaster
// is true for keyless commands, which may be sent to any known master.
func routingKeyFor(cmd *Command) (key []byte, anyMaster bool, err error) {
	name := cmd.Name()
	args := cmd.Args()

	if keylessCommands[name] {
		return nil, true, nil
	}
	if step, ok := multiKeyCommands[name]; ok {
		if len(args) == 0 {
			return nil, false, redisErrorf("%s requires at least one key", name)
		}
		var slot uint16
		var first []byte
		for i := 0; i < len(args); i += step {
			if i >= len(args) {
				break
			}
			k := args[i]
			s := KeySlot(k)
			if first == nil {
				first = k
				slot = s
			} else if s != slot {
				return nil, false, clusterErrorf(nil, "keys of %s hash to different slots", name)
			}
		}
		return first, false, nil
	}
	if len(args) == 0 {
		return nil, true, nil
	}
	return args[0], false, nil
}

func (c *Cluster) getOrCreatePool(addr string) *nodePool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.nodes[addr]
	if !ok {
		p = newNodePool(addr, c.opts)
		c.nodes[addr] = p
	}
	return p
}

func (c *Cluster) firstMasterAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.masters) == 0 {
		return ""
	}
	return c.masters[0]
}

func (c *Cluster) updateSlot(slot int, addr string) {
	c.mu.Lock()
	c.slotTable[slot] = addr
	if _, ok := c.nodes[addr]; !ok {
		c.nodes[addr] = newNodePool(addr, c.opts)
	}
	c.mu.Unlock()
}

// executeRouted sends cmd to the node currently believed to own slot
// (or any master, when anyMaster), following MOVED/ASK/CLUSTERDOWN
// redirects up to c.maxRetries attempts.
func (c *Cluster) executeRouted(ctx context.Context, cmd *Command, slot int, anyMaster bool) (Value, error) {
	var addr string
	if anyMaster {
		addr = c.firstMasterAddr()
		if addr == "" {
			if err := c.refreshTopology(ctx); err != nil {
				return Value{}, err
			}
			addr = c.firstMasterAddr()
			if addr == "" {
				return Value{}, clusterErrorf(nil, "no known master node")
			}
		}
	} else {
		c.mu.RLock()
		addr = c.slotTable[slot]
		c.mu.RUnlock()
		if addr == "" {
			if err := c.refreshTopology(ctx); err != nil {
				return Value{}, err
			}
			c.mu.RLock()
			addr = c.slotTable[slot]
			c.mu.RUnlock()
			if addr == "" {
				return Value{}, clusterErrorf(nil, "slot %d has no known owner", slot)
			}
		}
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 5 * time.Millisecond
	boff.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(boff, uint64(c.maxRetries)), ctx)

	var asking bool
	var lastErr error
	var finalErr error
	var result Value
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++
		pool := c.getOrCreatePool(addr)
		conn, derr := pool.get(ctx)
		if derr != nil {
			lastErr = derr
			c.triggerRefresh()
			return derr
		}

		if asking {
			if _, aerr := conn.Execute(ctx, "ASKING"); aerr != nil {
				lastErr = aerr
				pool.invalidate(conn)
				return aerr
			}
			asking = false
		}

		v, eerr := conn.Execute(ctx, cmd.Name(), argInterfaces(cmd.Args())...)
		if eerr == nil {
			result = v
			return nil
		}

		re, isReplyErr := eerr.(ReplyError)
		if !isReplyErr {
			// Transport-level failure: the pool connection is dead.
			lastErr = eerr
			pool.invalidate(conn)
			c.triggerRefresh()
			return eerr
		}

		switch re.Prefix() {
		case "MOVED":
			newAddr, perr := parseRedirect(string(re))
			if perr != nil {
				finalErr = perr
				return nil
			}
			c.updateSlot(slot, newAddr)
			c.triggerRefresh()
			addr = newAddr
			lastErr = re
			return re

		case "ASK":
			newAddr, perr := parseRedirect(string(re))
			if perr != nil {
				finalErr = perr
				return nil
			}
			addr = newAddr
			asking = true
			lastErr = re
			return re

		case "CLUSTERDOWN":
			lastErr = re
			c.triggerRefresh()
			return re

		default:
			// An ordinary application-level error (e.g. WRONGTYPE):
			// definitive, not a routing failure.
			finalErr = re
			return nil
		}
	}, policy)

	if err != nil {
		return Value{}, clusterErrorf(lastErr, "redirect retry budget exhausted after %d attempts", attempts)
	}
	if finalErr != nil {
		return Value{}, finalErr
	}
	return result, nil
}

func argInterfaces(args [][]byte) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func parseRedirect(msg string) (string, error) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return "", protocolErrorf("malformed redirect %q", msg)
	}
	return fields[2], nil
}

// triggerRefresh schedules a topology refresh without blocking the
// caller's retry loop, which already knows where to go next from the
// redirect itself. Concurrent triggers coalesce via refreshGroup.
func (c *Cluster) triggerRefresh() {
	go func() {
		if err := c.refreshTopology(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("cluster topology refresh failed")
		}
	}()
}

// refreshTopology re-fetches CLUSTER SLOTS from a seed or known node.
// Concurrent callers coalesce onto a single in-flight refresh.
func (c *Cluster) refreshTopology(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, c.doRefresh(ctx)
	})
	return err
}

func (c *Cluster) doRefresh(ctx context.Context) error {
	var lastErr error
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 20 * time.Millisecond
	boff.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(func() error {
		for _, addr := range c.candidateAddrs() {
			pool := c.getOrCreatePool(addr)
			conn, derr := pool.get(ctx)
			if derr != nil {
				lastErr = derr
				continue
			}
			v, eerr := conn.Execute(ctx, "CLUSTER", "SLOTS")
			if eerr != nil {
				lastErr = eerr
				pool.invalidate(conn)
				continue
			}
			nodes, perr := parseClusterSlots(v)
			if perr != nil {
				lastErr = perr
				continue
			}
			c.installTopology(nodes)
			logger.Debug().Int("nodes", len(nodes)).Msg("cluster topology refreshed")
			return nil
		}
		if lastErr == nil {
			lastErr = redisErrorf("no seed or known node reachable")
		}
		return lastErr
	}, boff)

	if err != nil {
		return clusterErrorf(lastErr, "unable to discover cluster topology")
	}
	return nil
}

func (c *Cluster) candidateAddrs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(c.seeds)+len(c.masters))
	out := make([]string, 0, len(c.seeds)+len(c.masters))
	for _, a := range c.masters {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range c.seeds {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func (c *Cluster) installTopology(nodes []ClusterNode) {
	var table [SlotCount]string
	var masters []string
	for _, n := range nodes {
		if n.Role != "master" {
			continue
		}
		masters = append(masters, n.Address)
		for _, r := range n.SlotRanges {
			for s := r[0]; s <= r[1] && s < SlotCount; s++ {
				table[s] = n.Address
			}
		}
	}

	c.mu.Lock()
	c.slotTable = table
	c.masters = masters
	for _, n := range nodes {
		if _, ok := c.nodes[n.Address]; !ok {
			c.nodes[n.Address] = newNodePool(n.Address, c.opts)
		}
	}
	c.mu.Unlock()
}

// parseClusterSlots decodes the reply of CLUSTER SLOTS: an array of
// [start, end, [master host, master port, id?], [replica host, replica
// port, id?], ...] entries.
func parseClusterSlots(v Value) ([]ClusterNode, error) {
	if v.Kind != Array {
		return nil, protocolErrorf("CLUSTER SLOTS: expected array reply, got %s", v.Kind)
	}

	merged := make(map[string]*ClusterNode)
	var order []string

	for _, entry := range v.Array {
		if entry.Kind != Array || len(entry.Array) < 3 {
			return nil, protocolErrorf("CLUSTER SLOTS: malformed slot range entry")
		}
		if entry.Array[0].Kind != Integer || entry.Array[1].Kind != Integer {
			return nil, protocolErrorf("CLUSTER SLOTS: malformed slot bounds")
		}
		start := int(entry.Array[0].Int)
		end := int(entry.Array[1].Int)

		for i := 2; i < len(entry.Array); i++ {
			info := entry.Array[i]
			if info.Kind != Array || len(info.Array) < 2 {
				continue
			}
			if info.Array[0].Kind != Bulk || info.Array[1].Kind != Integer {
				continue
			}
			host := string(info.Array[0].Bulk)
			port := info.Array[1].Int
			addr := net.JoinHostPort(host, strconv.FormatInt(port, 10))
			role := "master"
			if i > 2 {
				role = "replica"
			}

			if existing, ok := merged[addr]; ok {
				existing.SlotRanges = append(existing.SlotRanges, [2]int{start, end})
				continue
			}
			node := &ClusterNode{Address: addr, Role: role, SlotRanges: [][2]int{{start, end}}}
			merged[addr] = node
			order = append(order, addr)
		}
	}

	out := make([]ClusterNode, 0, len(order))
	for _, addr := range order {
		out = append(out, *merged[addr])
	}
	return out, nil
}
