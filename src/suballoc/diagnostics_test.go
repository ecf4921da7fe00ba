package suballoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolErrorMessageCarriesAllocatorErrorPrefix(t *testing.T) {
	err := newPoolError(errFragmentation, "no run of 4 contiguous blocks")
	assert.Contains(t, err.Error(), "allocator error")
	assert.Contains(t, err.Error(), "fragmentation")
}

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "precondition", errPrecondition.String())
	assert.Equal(t, "capacity", errCapacity.String())
	assert.Equal(t, "fragmentation", errFragmentation.String())
	assert.Equal(t, "bookkeeping", errBookkeeping.String())
}
