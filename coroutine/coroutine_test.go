package coroutine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-coro/coroerr"
)

func TestSpawnStartsInInit(t *testing.T) {
	c := Spawn(func(self *Coroutine) {}, 0, nil)
	assert.Equal(t, StateInit, c.State())
	assert.Equal(t, int64(1<<20), c.StackSize())
}

func TestSpawnRejectsNilEntry(t *testing.T) {
	assert.PanicsWithValue(t, &coroerr.Misuse{Op: "Spawn", Reason: "entry must not be nil"}, func() {
		Spawn(nil, 0, nil)
	})
}

func TestSwapInRunsToTermination(t *testing.T) {
	var ran bool
	c := Spawn(func(self *Coroutine) { ran = true }, 0, nil)

	require.NoError(t, c.SwapIn())

	assert.True(t, ran)
	assert.Equal(t, StateTerm, c.State())
}

func TestYieldToHoldSuspendsAndResumes(t *testing.T) {
	var order []string
	c := Spawn(func(self *Coroutine) {
		order = append(order, "a")
		self.YieldToHold()
		order = append(order, "b")
	}, 0, nil)

	require.NoError(t, c.SwapIn())
	assert.Equal(t, StateHold, c.State())
	assert.Equal(t, []string{"a"}, order)

	require.NoError(t, c.SwapIn())
	assert.Equal(t, StateTerm, c.State())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestYieldToReadyReschedulesImmediately(t *testing.T) {
	var turns int
	c := Spawn(func(self *Coroutine) {
		turns++
		self.YieldToReady()
		turns++
	}, 0, nil)

	require.NoError(t, c.SwapIn())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, turns)

	require.NoError(t, c.SwapIn())
	assert.Equal(t, StateTerm, c.State())
	assert.Equal(t, 2, turns)
}

func TestSwapInRejectsNonResumableState(t *testing.T) {
	c := Spawn(func(self *Coroutine) {}, 0, nil)
	require.NoError(t, c.SwapIn())
	require.Equal(t, StateTerm, c.State())

	err := c.SwapIn()
	require.Error(t, err)
	var misuse *coroerr.Misuse
	assert.ErrorAs(t, err, &misuse)
}

func TestPanicTransitionsToException(t *testing.T) {
	boom := errors.New("boom")
	c := Spawn(func(self *Coroutine) { panic(boom) }, 0, nil)

	require.NoError(t, c.SwapIn())
	assert.Equal(t, StateException, c.State())

	err := c.Err()
	require.Error(t, err)
	var up *coroerr.UserPanic
	require.ErrorAs(t, err, &up)
	assert.Equal(t, c.ID(), up.CoroutineID)
	assert.ErrorIs(t, err, boom)
}

func TestErrReturnsNilWhenNotException(t *testing.T) {
	c := Spawn(func(self *Coroutine) {}, 0, nil)
	require.NoError(t, c.SwapIn())
	assert.NoError(t, c.Err())
}

func TestResetAllowsRerunAfterTermination(t *testing.T) {
	c := Spawn(func(self *Coroutine) {}, 0, nil)
	require.NoError(t, c.SwapIn())
	require.Equal(t, StateTerm, c.State())

	var ranSecond bool
	require.NoError(t, c.Reset(func(self *Coroutine) { ranSecond = true }))
	assert.Equal(t, StateInit, c.State())

	require.NoError(t, c.SwapIn())
	assert.True(t, ranSecond)
	assert.Equal(t, StateTerm, c.State())
}

func TestResetRejectsRunningCoroutine(t *testing.T) {
	started := make(chan struct{})
	c := Spawn(func(self *Coroutine) {
		close(started)
		self.YieldToHold()
	}, 0, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.SwapIn()
	}()
	<-started

	wg.Wait() // SwapIn returns once the coroutine parks itself in HOLD

	require.Equal(t, StateHold, c.State())

	err := c.Reset(func(self *Coroutine) {})
	require.Error(t, err)
	var misuse *coroerr.Misuse
	assert.ErrorAs(t, err, &misuse)
}

func TestIDsAreUnique(t *testing.T) {
	a := Spawn(func(self *Coroutine) {}, 0, nil)
	b := Spawn(func(self *Coroutine) {}, 0, nil)
	assert.NotEqual(t, a.ID(), b.ID())
}
