package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCall(t *testing.T) {
	ran := false
	assert.Nil(t, SafeCall(func() { ran = true }))
	assert.True(t, ran)

	assert.Equal(t, "boom", SafeCall(func() { panic("boom") }))
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	got := make(chan interface{}, 1)
	SafeGo("test", func() { panic("kaboom") }, func(r interface{}) { got <- r })

	select {
	case r := <-got:
		assert.Equal(t, "kaboom", r)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "onPanic was not called")
	}
}

func TestSafeGo_NilOnPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo("test", func() {
		defer close(done)
		panic("ignored")
	}, nil)
	<-done
}
