// Package syscallhook re-plumbs blocking-looking socket calls onto the
// reactor: a call that would block instead arms the relevant readiness
// event, parks the calling coroutine in HOLD, and resumes it once the
// reactor's idle loop reports the fd ready or a timeout fires.
//
// original_source/src/hook.cc achieves this by interposing the libc
// symbols themselves (dlsym(RTLD_NEXT, ...)) behind a thread-local
// t_hook_enabled flag, so ordinary-looking C calls transparently suspend.
// Go gives no equivalent to LD_PRELOAD-style symbol interposition, and a
// goroutine has no thread-local storage to stash "current fiber" in the
// way the source's IOManager::GetThis() does. Both are replaced with an
// explicit *Env argument: callers use the functions in this package
// directly instead of golang.org/x/sys/unix and pass the active Env to each
// of them. An Env can also travel in a context.Context (WithEnv/FromContext);
// the functions themselves do not take a context.
package syscallhook

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-coro/config"
	"github.com/joeycumines/go-coro/coroutine"
	"github.com/joeycumines/go-coro/fdtable"
	"github.com/joeycumines/go-coro/reactor"
	"github.com/joeycumines/go-coro/scheduler"
)

// Env is the per-coroutine hook state: which reactor/fd table a suspend
// should use, which coroutine and worker to arm the resume against, and
// whether hooking is currently enabled at all (the Go rendering of
// t_hook_enabled, made an explicit field instead of a goroutine-local
// since Go has no goroutine-local storage).
type Env struct {
	Reactor  *reactor.Reactor
	Table    *fdtable.Table
	Config   *config.Store // may be nil; connectTimeoutMS falls back to a fixed default
	Self     *coroutine.Coroutine
	WorkerID scheduler.WorkerID

	enabled atomic.Bool
}

// NewEnv builds an Env with hooking enabled, matching hook_init's
// post-constructor default of tracing everything DEAL_FUNC lists.
func NewEnv(r *reactor.Reactor, table *fdtable.Table, cfg *config.Store, self *coroutine.Coroutine, workerID scheduler.WorkerID) *Env {
	e := &Env{Reactor: r, Table: table, Config: cfg, Self: self, WorkerID: workerID}
	e.enabled.Store(true)
	return e
}

// SetEnabled toggles hooking for this Env, mirroring set_hook_enable — a
// coroutine that disables it sees every call in this package fall straight
// through to the real syscall.
func (e *Env) SetEnabled(v bool) { e.enabled.Store(v) }

// Enabled reports whether hooking is currently active for this Env.
func (e *Env) Enabled() bool { return e.enabled.Load() }

type ctxKey struct{}

// WithEnv attaches env to ctx, so code that only has the context can
// recover it with FromContext.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, ctxKey{}, env)
}

// FromContext returns the Env attached to ctx, or nil if none was attached.
func FromContext(ctx context.Context) *Env {
	env, _ := ctx.Value(ctxKey{}).(*Env)
	return env
}

// fallbackConnectTimeoutMS is used when an Env carries no *config.Store,
// matching g_tcp_connect_timeout's own in-code default of 5000.
const fallbackConnectTimeoutMS = 5000

func (e *Env) connectTimeoutMS() uint64 {
	if e != nil && e.Config != nil {
		return uint64(e.Config.TCPConnectTimeoutMS())
	}
	return fallbackConnectTimeoutMS
}
