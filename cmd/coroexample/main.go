// Command coroexample wires scheduler, reactor, and syscallhook together
// into a minimal TCP echo exchange: a server coroutine accepts one
// connection and echoes back whatever it reads, a client coroutine dials
// it, exchanges one message, and sleeps before closing — all without any
// of the three coroutines' own goroutines ever blocking on the network.
//
// Run with: go run ./cmd/coroexample
package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coro/coroutine"
	"github.com/joeycumines/go-coro/fdtable"
	"github.com/joeycumines/go-coro/reactor"
	"github.com/joeycumines/go-coro/scheduler"
	"github.com/joeycumines/go-coro/syscallhook"
)

func main() {
	r, err := reactor.New(4, false, "coroexample", nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reactor.New:", err)
		os.Exit(1)
	}
	defer r.Close()
	r.Start()
	defer r.Stop()

	table := fdtable.New()

	listenFD, port, err := listen()
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer unix.Close(listenFD)
	table.Get(listenFD, true)

	r.Schedule(scheduler.Task{Coro: server(r, table, listenFD), ThreadID: scheduler.AnyWorker}, false)

	done := make(chan struct{})
	r.Schedule(scheduler.Task{Coro: client(r, table, port, done), ThreadID: scheduler.AnyWorker}, false)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		fmt.Println("coroexample: timed out waiting for the client to finish")
	}
}

// server accepts exactly one connection and hands it to a fresh handler
// coroutine per connection, the way a real listener loop would for every
// connection it ever accepts.
func server(r *reactor.Reactor, table *fdtable.Table, listenFD int) *coroutine.Coroutine {
	return coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := syscallhook.NewEnv(r, table, nil, self, scheduler.AnyWorker)

		connFD, _, err := syscallhook.Accept(env, listenFD)
		if err != nil {
			fmt.Println("server: accept failed:", err)
			return
		}

		r.Schedule(scheduler.Task{Coro: handleConn(r, table, connFD), ThreadID: scheduler.AnyWorker}, false)
	}, 0, nil)
}

func handleConn(r *reactor.Reactor, table *fdtable.Table, connFD int) *coroutine.Coroutine {
	return coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := syscallhook.NewEnv(r, table, nil, self, scheduler.AnyWorker)
		defer syscallhook.Close(env, connFD)

		buf := make([]byte, 64)
		n, err := syscallhook.Read(env, connFD, buf)
		if err != nil {
			fmt.Println("server: read failed:", err)
			return
		}
		fmt.Printf("server: received %q\n", buf[:n])

		if _, err := syscallhook.Write(env, connFD, buf[:n]); err != nil {
			fmt.Println("server: write failed:", err)
		}
	}, 0, nil)
}

func client(r *reactor.Reactor, table *fdtable.Table, port int32, done chan<- struct{}) *coroutine.Coroutine {
	return coroutine.Spawn(func(self *coroutine.Coroutine) {
		defer close(done)
		env := syscallhook.NewEnv(r, table, nil, self, scheduler.AnyWorker)

		fd, err := syscallhook.Socket(env, unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			fmt.Println("client: socket failed:", err)
			return
		}
		defer syscallhook.Close(env, fd)

		addr := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
		if err := syscallhook.Connect(env, fd, addr); err != nil {
			fmt.Println("client: connect failed:", err)
			return
		}
		fmt.Println("client: connected")

		if _, err := syscallhook.Write(env, fd, []byte("ping")); err != nil {
			fmt.Println("client: write failed:", err)
			return
		}

		buf := make([]byte, 64)
		n, err := syscallhook.Read(env, fd, buf)
		if err != nil {
			fmt.Println("client: read failed:", err)
			return
		}
		fmt.Printf("client: received %q\n", buf[:n])

		syscallhook.Sleep(env, 10)
		fmt.Println("client: done")
	}, 0, nil)
}

func listen() (fd int, port int32, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return 0, 0, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		return 0, 0, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		return 0, 0, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, 0, err
	}
	return fd, int32(sa.(*unix.SockaddrInet4).Port), nil
}
