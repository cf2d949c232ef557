package docsync

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// space efficient membership summary sent by the server alongside an
// existence filter. False positives are possible, false negatives are
// not, so a miss proves the member is gone.
type BloomFilter struct {
	bits      []byte
	bitCount  int
	hashCount int
}

// padding is the number of unused bits in the last byte
func NewBloomFilter(bits []byte, padding int, hashCount int) (*BloomFilter, error) {
	if padding < 0 || 8 <= padding {
		return nil, fmt.Errorf("invalid padding %d", padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("invalid hash count %d", hashCount)
	}
	if 0 < len(bits) && hashCount == 0 {
		return nil, fmt.Errorf("invalid hash count %d for non empty bitmap", hashCount)
	}
	if len(bits) == 0 && padding != 0 {
		return nil, fmt.Errorf("invalid padding %d for empty bitmap", padding)
	}
	return &BloomFilter{
		bits:      bits,
		bitCount:  len(bits)*8 - padding,
		hashCount: hashCount,
	}, nil
}

func (self *BloomFilter) BitCount() int {
	return self.bitCount
}

func (self *BloomFilter) MightContain(value string) bool {
	if self.bitCount == 0 {
		return false
	}
	h1, h2 := bloomHash(value)
	for i := 0; i < self.hashCount; i++ {
		index := bloomBitIndex(h1, h2, uint64(i), uint64(self.bitCount))
		if self.bits[index/8]&(1<<(index%8)) == 0 {
			return false
		}
	}
	return true
}

// double hashing over a 128 bit digest, interpreted as two little endian
// 64 bit words
func bloomHash(value string) (uint64, uint64) {
	digest := blake2b.Sum256([]byte(value))
	h1 := binary.LittleEndian.Uint64(digest[0:8])
	h2 := binary.LittleEndian.Uint64(digest[8:16])
	return h1, h2
}

func bloomBitIndex(h1 uint64, h2 uint64, i uint64, bitCount uint64) uint64 {
	return (h1 + i*h2) % bitCount
}

// test and tooling side constructor for filters the server would send
type BloomFilterBuilder struct {
	bits      []byte
	bitCount  int
	hashCount int
}

func NewBloomFilterBuilder(bitCount int, hashCount int) *BloomFilterBuilder {
	byteCount := (bitCount + 7) / 8
	return &BloomFilterBuilder{
		bits:      make([]byte, byteCount),
		bitCount:  bitCount,
		hashCount: hashCount,
	}
}

func (self *BloomFilterBuilder) Insert(value string) {
	if self.bitCount == 0 {
		return
	}
	h1, h2 := bloomHash(value)
	for i := 0; i < self.hashCount; i++ {
		index := bloomBitIndex(h1, h2, uint64(i), uint64(self.bitCount))
		self.bits[index/8] |= 1 << (index % 8)
	}
}

func (self *BloomFilterBuilder) Padding() int {
	return len(self.bits)*8 - self.bitCount
}

func (self *BloomFilterBuilder) Build() *BloomFilter {
	filter, _ := NewBloomFilter(self.bits, self.Padding(), self.hashCount)
	return filter
}
