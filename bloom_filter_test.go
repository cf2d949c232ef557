package docsync

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	builder := NewBloomFilterBuilder(1000, 7)
	members := []string{}
	for i := range 100 {
		name := fmt.Sprintf("projects/p/databases/d/documents/rooms/room-%d", i)
		members = append(members, name)
		builder.Insert(name)
	}
	filter := builder.Build()

	// a member is never reported absent
	for _, name := range members {
		assert.Equal(t, filter.MightContain(name), true)
	}
}

func TestBloomFilterRejectsMostNonMembers(t *testing.T) {
	builder := NewBloomFilterBuilder(10000, 7)
	for i := range 100 {
		builder.Insert(fmt.Sprintf("projects/p/databases/d/documents/rooms/room-%d", i))
	}
	filter := builder.Build()

	// with this sizing nearly all non members miss
	misses := 0
	for i := range 1000 {
		if !filter.MightContain(fmt.Sprintf("projects/p/databases/d/documents/rooms/other-%d", i)) {
			misses += 1
		}
	}
	assert.Equal(t, 900 < misses, true)
}

func TestBloomFilterEmpty(t *testing.T) {
	filter, err := NewBloomFilter(nil, 0, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, filter.BitCount(), 0)
	assert.Equal(t, filter.MightContain("anything"), false)
}

func TestBloomFilterValidation(t *testing.T) {
	_, err := NewBloomFilter([]byte{0xff}, 8, 1)
	assert.NotEqual(t, err, nil)
	_, err = NewBloomFilter([]byte{0xff}, -1, 1)
	assert.NotEqual(t, err, nil)
	_, err = NewBloomFilter([]byte{0xff}, 0, 0)
	assert.NotEqual(t, err, nil)
	_, err = NewBloomFilter(nil, 3, 0)
	assert.NotEqual(t, err, nil)

	filter, err := NewBloomFilter([]byte{0xff}, 3, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, filter.BitCount(), 5)
}

func TestBloomFilterPadding(t *testing.T) {
	builder := NewBloomFilterBuilder(13, 3)
	assert.Equal(t, builder.Padding(), 3)
	builder.Insert("a")
	filter := builder.Build()
	assert.Equal(t, filter.BitCount(), 13)
	assert.Equal(t, filter.MightContain("a"), true)
}
