package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlot(t *testing.T) {
	// Reference values from the cluster key distribution model.
	assert.Equal(t, 12182, Slot("foo"))
	assert.Equal(t, 5061, Slot("bar"))
	assert.Equal(t, 12739, Slot("123456789"))
	assert.Equal(t, 0, Slot(""))
}

func TestSlotHashTags(t *testing.T) {
	assert.Equal(t, Slot("user1000"), Slot("{user1000}.following"))
	assert.Equal(t, Slot("user1000"), Slot("{user1000}.followers"))

	// An empty tag does not restrict hashing.
	assert.Equal(t, int(crc16([]byte("foo{}{bar}"))%NumSlots), Slot("foo{}{bar}"))
	assert.NotEqual(t, Slot("bar"), Slot("foo{}{bar}"))

	// Only the first tag counts.
	assert.Equal(t, Slot("bar"), Slot("foo{bar}{zap}"))
}

func TestSlotRange(t *testing.T) {
	for _, key := range []string{"a", "zz", "{tag}x", "0123456789abcdef"} {
		slot := Slot(key)
		assert.GreaterOrEqual(t, slot, 0)
		assert.Less(t, slot, NumSlots)
	}
}
