package errorutils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindValidation, KindOf(Validation("bad input", nil)))
	assert.Equal(t, KindTransient, KindOf(Transient(errors.New("boom"), "retry")))

	// unclassified errors and nil both report the empty kind
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesKind(t *testing.T) {
	inner := Conflict("duplicate write", map[string]string{"id": "abc"})
	wrapped := Wrap(inner, "saving account")

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "saving account", wrapped.Error())

	var eb *ErrorBundle
	assert.True(t, errors.As(wrapped, &eb))
	assert.Equal(t, map[string]string{"id": "abc"}, eb.Data())
}

func TestWrapPlainError(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(cause, "dialing upstream")

	assert.Equal(t, Kind(""), KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Precondition("bonus not lockable", nil))
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("missing")))
	assert.True(t, IsNotFound(fmt.Errorf("outer: %w", ErrNotFound)))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsNotFound(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(nil, "retry me")))
	assert.False(t, IsTransient(NotFound("missing")))
}

func TestMultiError(t *testing.T) {
	var me MultiError
	me.Append(errors.New("first"), errors.New("second"))
	me.Append(errors.New("third"))

	assert.Equal(t, 3, me.Count())
	assert.Equal(t, "first; second; third", me.Error())
}

func TestDataToString(t *testing.T) {
	eb := &ErrorBundle{}
	assert.Equal(t, "no error bundle data", eb.DataToString())

	err := Validation("bad", map[string]string{"field": "amount"})
	var bundle *ErrorBundle
	assert.True(t, errors.As(err, &bundle))
	assert.JSONEq(t, `{"field":"amount"}`, bundle.DataToString())
}
