package eventbus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := newTestBus()

	var got []int
	b.On("ev", func(any) { got = append(got, 1) })
	b.On("ev", func(any) { got = append(got, 2) })
	b.On("ev", func(any) { got = append(got, 3) })

	b.Emit("ev", nil)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestEmitPassesPayload(t *testing.T) {
	b := newTestBus()

	var got any
	b.On("ev", func(p any) { got = p })
	b.Emit("ev", "hello")
	assert.Equal(t, "hello", got)
}

func TestPanickingHandlerDoesNotBreakDelivery(t *testing.T) {
	b := newTestBus()

	var after bool
	b.On("ev", func(any) { panic("boom") })
	b.On("ev", func(any) { after = true })

	require.NotPanics(t, func() { b.Emit("ev", nil) })
	assert.True(t, after, "handler after the panicking one must still run")
}

func TestOffRemovesSingleSubscriber(t *testing.T) {
	b := newTestBus()

	var first, second int
	id := b.On("ev", func(any) { first++ })
	b.On("ev", func(any) { second++ })

	b.Emit("ev", nil)
	b.Off("ev", id)
	b.Emit("ev", nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestOffZeroRemovesAll(t *testing.T) {
	b := newTestBus()

	var n int
	b.On("ev", func(any) { n++ })
	b.On("ev", func(any) { n++ })

	b.Off("ev", 0)
	b.Emit("ev", nil)
	assert.Zero(t, n)
}

func TestEmitUnknownEventIsNoop(t *testing.T) {
	b := newTestBus()
	require.NotPanics(t, func() { b.Emit("nobody-listens", 42) })
}
