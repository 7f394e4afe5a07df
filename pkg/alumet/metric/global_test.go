package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_OneShot(t *testing.T) {
	t.Cleanup(ResetForTest)
	ResetForTest()

	r1 := NewRegistry()
	require.NoError(t, Publish(r1))

	r2 := NewRegistry()
	err := Publish(r2)
	assert.ErrorIs(t, err, AlreadyInitializedError)

	got, err := Global()
	require.NoError(t, err)
	assert.Same(t, r1, got)
}

func TestGlobal_BeforePublish(t *testing.T) {
	t.Cleanup(ResetForTest)
	ResetForTest()

	_, err := Global()
	assert.ErrorIs(t, err, NotInitializedError)
}
