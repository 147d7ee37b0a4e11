package testutil

import (
	"github.com/bits-and-blooms/bitset"
)

// PageModel is a deliberately naive page pool: one bit per page, set when
// the page is in use, and a page-by-page first-fit scan.
type PageModel struct {
	used  *bitset.BitSet
	pages uint
}

// NewPageModel creates a model with pageCount free pages.
func NewPageModel(pageCount uint64) *PageModel {
	return &PageModel{
		used:  bitset.New(uint(pageCount)),
		pages: uint(pageCount),
	}
}

// PageCount returns the number of pages.
func (m *PageModel) PageCount() uint64 { return uint64(m.pages) }

// FirstFit returns the lowest start of count free pages.
func (m *PageModel) FirstFit(count uint64) (uint64, bool) {
	if count == 0 || count > uint64(m.pages) {
		return 0, false
	}
	var run uint64
	for p := uint(0); p < m.pages; p++ {
		if m.used.Test(p) {
			run = 0
			continue
		}
		run++
		if run == count {
			return uint64(p) + 1 - count, true
		}
	}
	return 0, false
}

// Use marks [start, start+count) as used.
func (m *PageModel) Use(start, count uint64) {
	for p := start; p < start+count; p++ {
		m.used.Set(uint(p))
	}
}

// Release marks [start, start+count) as free.
func (m *PageModel) Release(start, count uint64) {
	for p := start; p < start+count; p++ {
		m.used.Clear(uint(p))
	}
}

// Used reports whether every page of [start, start+count) is in use.
func (m *PageModel) Used(start, count uint64) bool {
	for p := start; p < start+count; p++ {
		if !m.used.Test(uint(p)) {
			return false
		}
	}
	return true
}

// FreeCount returns the number of free pages.
func (m *PageModel) FreeCount() uint64 {
	return uint64(m.pages - m.used.Count())
}

// FreeWords renders the model in the allocator's word layout: bit i of word
// w is set when page 64*w+i is free, and bits past the last page are clear.
func (m *PageModel) FreeWords() []uint64 {
	words := make([]uint64, (m.pages+63)/64)
	for p := uint(0); p < m.pages; p++ {
		if !m.used.Test(p) {
			words[p/64] |= 1 << (p % 64)
		}
	}
	return words
}
