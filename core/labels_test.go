package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/fabricd/state"
)

func TestPrependLabelAllocatorRefCounting(t *testing.T) {
	a := NewPrependLabelAllocator()

	l1, err := a.Increment("set-a")
	require.NoError(t, err)
	assert.Equal(t, state.PrependLabelBase, l1)

	// same key shares the label
	l1again, err := a.Increment("set-a")
	require.NoError(t, err)
	assert.Equal(t, l1, l1again)

	l2, err := a.Increment("set-b")
	require.NoError(t, err)
	assert.NotEqual(t, l1, l2)

	// first decrement keeps the binding alive
	_, freed := a.Decrement("set-a")
	assert.False(t, freed)
	got, ok := a.Label("set-a")
	assert.True(t, ok)
	assert.Equal(t, l1, got)

	// second decrement frees it
	label, freed := a.Decrement("set-a")
	assert.True(t, freed)
	assert.Equal(t, l1, label)
	_, ok = a.Label("set-a")
	assert.False(t, ok)

	// freed labels are reused before the range grows
	l3, err := a.Increment("set-c")
	require.NoError(t, err)
	assert.Equal(t, l1, l3)
}

func TestPrependLabelAllocatorExhaustion(t *testing.T) {
	a := NewPrependLabelAllocator()
	a.next = state.PrependLabelCeiling + 1

	_, err := a.Increment("overflow")
	assert.ErrorIs(t, err, ErrLabelSpaceExhausted)
}

func TestPrependLabelDecrementUnknownKey(t *testing.T) {
	a := NewPrependLabelAllocator()
	_, freed := a.Decrement("missing")
	assert.False(t, freed)
}
