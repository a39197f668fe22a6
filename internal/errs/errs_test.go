package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("matches sentinel by kind", func(t *testing.T) {
		err := New(UnboundParameter, "topic.publish", "parameter %q is unbound", "id")
		assert.True(t, errors.Is(err, ErrUnboundParameter))
		assert.False(t, errors.Is(err, ErrInvalidParameter))
	})

	t.Run("matches through wrapping", func(t *testing.T) {
		err := fmt.Errorf("starting: %w", New(ModuleNotFound, "", "no module foo"))
		assert.True(t, errors.Is(err, ErrModuleNotFound))
		assert.Equal(t, ModuleNotFound, KindOf(err))
	})

	t.Run("formats op and cause", func(t *testing.T) {
		cause := errors.New("unexpected end of JSON input")
		err := Wrap(InvalidPayload, "bus.dispatch", cause, "bad envelope")
		assert.Equal(t, "bus.dispatch: bad envelope: unexpected end of JSON input", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("kind of foreign error is empty", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	})
}
