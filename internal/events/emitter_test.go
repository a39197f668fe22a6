package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	t.Run("delivers in registration order", func(t *testing.T) {
		e := New[string]()
		var got []string
		e.On("greeting", func(p string) { got = append(got, "a:"+p) })
		e.On("greeting", func(p string) { got = append(got, "b:"+p) })
		e.OnAny(func(ev, p string) { got = append(got, "any:"+ev) })

		n := e.Emit("greeting", "hi")
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"a:hi", "b:hi", "any:greeting"}, got)
	})

	t.Run("off removes only that listener", func(t *testing.T) {
		e := New[int]()
		var sum int
		off := e.On("n", func(p int) { sum += p })
		e.On("n", func(p int) { sum += 10 * p })
		off()

		e.Emit("n", 1)
		assert.Equal(t, 10, sum)
		assert.Equal(t, 1, e.ListenerCount("n"))
	})

	t.Run("emit without listeners", func(t *testing.T) {
		e := New[any]()
		assert.Equal(t, 0, e.Emit("nothing", nil))
	})

	t.Run("any listener can be removed", func(t *testing.T) {
		e := New[int]()
		calls := 0
		off := e.OnAny(func(string, int) { calls++ })
		off()
		e.Emit("x", 1)
		assert.Zero(t, calls)
	})
}
