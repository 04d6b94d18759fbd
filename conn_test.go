package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer accepts exactly one connection and hands the raw net.Conn to
// handle, which runs in its own goroutine until the connection closes.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

// echoKeyServer replies to every GET with a bulk string equal to its key
// argument, letting a test assert FIFO correlation under concurrent
// callers by comparing each Execute's result to the key it sent.
func echoKeyServer(conn net.Conn) {
	defer conn.Close()
	var p Parser
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
			for {
				v, ok, perr := p.TryNext()
				if perr != nil {
					return
				}
				if !ok {
					break
				}
				if len(v.Array) < 2 {
					continue
				}
				key := v.Array[1].Bulk
				reply := fmt.Sprintf("$%d\r\n%s\r\n", len(key), key)
				if _, werr := conn.Write([]byte(reply)); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func TestConnectionFIFOOrderingUnderConcurrentCallers(t *testing.T) {
	addr := fakeServer(t, echoKeyServer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, addr, ConnOptions{})
	require.NoError(t, err)
	defer conn.Close()

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			v, err := conn.Execute(ctx, "GET", key)
			if err != nil {
				errs[i] = err
				return
			}
			if string(v.Bulk) != key {
				errs[i] = fmt.Errorf("got %q, want %q", v.Bulk, key)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d", i)
	}
}

func TestConnectionProtocolViolationPoisonsInFlightWaiter(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		// Read (and discard) the client's command, then answer with a
		// byte stream that violates RESP grammar outright.
		conn.Read(buf)
		conn.Write([]byte("#not-a-valid-type-prefix\r\n"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, addr, ConnOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Execute(ctx, "GET", "k")
	require.Error(t, err)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "want *ProtocolError, got %T: %v", err, err)
}

func TestConnectionCloseFailsPendingAndFutureCommands(t *testing.T) {
	serverConnCh := make(chan net.Conn, 1)
	addr := fakeServer(t, func(conn net.Conn) {
		serverConnCh <- conn
		// never reply; connection only closes when the test closes it.
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, addr, ConnOptions{})
	require.NoError(t, err)

	<-serverConnCh

	done := make(chan struct{})
	var pendingErr error
	go func() {
		_, pendingErr = conn.Execute(context.Background(), "GET", "k")
		close(done)
	}()

	// Give the pending Execute time to enqueue its waiter before closing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pending Execute did not unblock after Close")
	}
	require.Error(t, pendingErr)
	require.ErrorIs(t, pendingErr, ErrClosed)

	_, err = conn.Execute(context.Background(), "GET", "k2")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrClosed)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, conn.WaitClosed(waitCtx))
}

func TestConnectRejectsNegativeDB(t *testing.T) {
	// Caught synchronously, before any dial attempt — an unreachable
	// address is fine here since Connect must never touch the network.
	_, err := Connect(context.Background(), "127.0.0.1:1", ConnOptions{DB: -1})
	require.Error(t, err)
	var ve *ValueError
	require.ErrorAs(t, err, &ve)
}

// scriptServer replies to the SCRIPT subcommands Connection's
// ScriptLoad/ScriptExists/ScriptFlush/ScriptKill issue, parsing each
// incoming command with the package's own Parser so requests need not be
// hand-encoded.
func scriptServer(knownSHA string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		var p Parser
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				p.Feed(buf[:n])
				for {
					v, ok, perr := p.TryNext()
					if perr != nil || !ok {
						break
					}
					if len(v.Array) < 2 || string(v.Array[0].Bulk) != "SCRIPT" {
						continue
					}
					switch string(v.Array[1].Bulk) {
					case "LOAD":
						conn.Write([]byte(fmt.Sprintf("$%d\r\n%s\r\n", len(knownSHA), knownSHA)))
					case "EXISTS":
						var reply string
						count := len(v.Array) - 2
						reply = fmt.Sprintf("*%d\r\n", count)
						for i := 2; i < len(v.Array); i++ {
							if string(v.Array[i].Bulk) == knownSHA {
								reply += ":1\r\n"
							} else {
								reply += ":0\r\n"
							}
						}
						conn.Write([]byte(reply))
					case "FLUSH", "KILL":
						conn.Write([]byte("+OK\r\n"))
					}
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func TestConnectionScriptCommands(t *testing.T) {
	const sha = "e0e1f9fabfc9d4800c877a703b823ac0578ff831"
	addr := fakeServer(t, scriptServer(sha))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, addr, ConnOptions{})
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.ScriptLoad(ctx, "return 1")
	require.NoError(t, err)
	require.Len(t, got, 40)
	require.Equal(t, sha, got)

	exists, err := conn.ScriptExists(ctx, sha, "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, exists)

	require.NoError(t, conn.ScriptFlush(ctx))
	require.NoError(t, conn.ScriptKill(ctx))
}

func TestConnectionRejectsCommandsWhileSubscribed(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		var p Parser
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				p.Feed(buf[:n])
				for {
					v, ok, perr := p.TryNext()
					if perr != nil || !ok {
						break
					}
					if len(v.Array) >= 2 && string(v.Array[0].Bulk) == "SUBSCRIBE" {
						name := v.Array[1].Bulk
						reply := fmt.Sprintf("*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(name), name)
						conn.Write([]byte(reply))
					}
				}
			}
			if err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, addr, ConnOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecutePubSub(ctx, "SUBSCRIBE", "news")
	require.NoError(t, err)

	_, err = conn.Execute(ctx, "GET", "k")
	require.Error(t, err)
}
