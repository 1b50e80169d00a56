package buserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ClassTransport, "queue.Pop", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")

	class, ok := ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, ClassTransport, class)
}

func TestIsMatchesByClass(t *testing.T) {
	a := New(ClassUnknownCommand, "worker.dispatch", "no handler")
	b := New(ClassUnknownCommand, "worker.dispatch", "different message")
	c := New(ClassHandlerPanic, "worker.dispatch", "boom")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestClassOfOnPlainError(t *testing.T) {
	_, ok := ClassOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}
