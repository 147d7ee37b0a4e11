package pagebitmap

import (
	"math/bits"
)

const (
	wordBits = 64
	allFree  = ^uint64(0)
)

// Bitmap is a fixed-width word array with one bit per page.
type Bitmap struct {
	words     []uint64
	pageCount uint64
}

// New creates a bitmap for pageCount pages, all of them free.
func New(pageCount uint64) *Bitmap {
	b := &Bitmap{}
	b.Resize(pageCount)
	return b
}

// WordsFor returns the number of 64-bit words needed to track pageCount pages.
func WordsFor(pageCount uint64) uint64 {
	return (pageCount + wordBits - 1) / wordBits
}

// Resize changes the logical page count. Pages that stay in range keep their
// state, new pages start free and padding bits are cleared.
func (b *Bitmap) Resize(pageCount uint64) {
	n := WordsFor(pageCount)
	words := make([]uint64, n)
	for i := range words {
		words[i] = allFree
	}

	keep := min(pageCount, b.pageCount)
	for w := uint64(0); w < WordsFor(keep); w++ {
		mask := allFree
		if rem := keep - w*wordBits; rem < wordBits {
			mask = (uint64(1) << rem) - 1
		}
		words[w] = (words[w] &^ mask) | (b.words[w] & mask)
	}

	b.words = words
	b.pageCount = pageCount
	b.clearPadding()
}

func (b *Bitmap) clearPadding() {
	rem := b.pageCount % wordBits
	if rem == 0 || len(b.words) == 0 {
		return
	}
	b.words[len(b.words)-1] &= (uint64(1) << rem) - 1
}

// PageCount returns the number of tracked pages.
func (b *Bitmap) PageCount() uint64 {
	return b.pageCount
}

// Len returns the number of words.
func (b *Bitmap) Len() int {
	return len(b.words)
}

// Word returns the raw value of word i.
func (b *Bitmap) Word(i int) uint64 {
	return b.words[i]
}

// Words returns a copy of the raw word values.
func (b *Bitmap) Words() []uint64 {
	out := make([]uint64, len(b.words))
	copy(out, b.words)
	return out
}

// IsFree reports whether page is free. Pages past the end report false.
func (b *Bitmap) IsFree(page uint64) bool {
	if page >= b.pageCount {
		return false
	}
	return b.words[page/wordBits]&(uint64(1)<<(page%wordBits)) != 0
}

// FindContiguousFree returns the first page of the lowest-addressed run of
// count free pages.
func (b *Bitmap) FindContiguousFree(count uint64) (uint64, bool) {
	if count == 0 || count > b.pageCount {
		return 0, false
	}

	var run, start uint64
	for w, word := range b.words {
		base := uint64(w) * wordBits
		switch word {
		case 0:
			run = 0
			continue
		case allFree:
			if run == 0 {
				start = base
			}
			if run+wordBits >= count {
				return start, true
			}
			run += wordBits
			continue
		}

		for bit := uint64(0); bit < wordBits; bit++ {
			if word&(uint64(1)<<bit) == 0 {
				run = 0
				continue
			}
			if run == 0 {
				start = base + bit
			}
			run++
			if run == count {
				return start, true
			}
		}
	}
	return 0, false
}

// MarkUsed clears the bits of pages [start, start+count).
func (b *Bitmap) MarkUsed(start, count uint64) {
	b.apply(start, count, func(w *uint64, mask uint64) { *w &^= mask })
}

// MarkFree sets the bits of pages [start, start+count). The range must be
// fully used; see RangeUsed.
func (b *Bitmap) MarkFree(start, count uint64) {
	b.apply(start, count, func(w *uint64, mask uint64) { *w |= mask })
}

// RangeUsed reports whether every page in [start, start+count) is in range
// and currently used.
func (b *Bitmap) RangeUsed(start, count uint64) bool {
	if !b.inRange(start, count) {
		return false
	}
	ok := true
	b.apply(start, count, func(w *uint64, mask uint64) {
		if *w&mask != 0 {
			ok = false
		}
	})
	return ok
}

// RangeFree reports whether every page in [start, start+count) is in range
// and currently free.
func (b *Bitmap) RangeFree(start, count uint64) bool {
	if !b.inRange(start, count) {
		return false
	}
	ok := true
	b.apply(start, count, func(w *uint64, mask uint64) {
		if *w&mask != mask {
			ok = false
		}
	})
	return ok
}

// FreeCount returns the number of free pages.
func (b *Bitmap) FreeCount() uint64 {
	var n int
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

// LargestFreeRun returns the length of the longest run of free pages.
func (b *Bitmap) LargestFreeRun() uint64 {
	var run, best uint64
	for page := uint64(0); page < b.pageCount; page++ {
		if b.IsFree(page) {
			run++
			best = max(best, run)
			continue
		}
		run = 0
	}
	return best
}

// HighestUsed returns the index of the highest used page.
func (b *Bitmap) HighestUsed() (uint64, bool) {
	for w := len(b.words) - 1; w >= 0; w-- {
		used := ^b.words[w]
		if w == len(b.words)-1 {
			if rem := b.pageCount % wordBits; rem != 0 {
				used &= (uint64(1) << rem) - 1
			}
		}
		if used != 0 {
			return uint64(w)*wordBits + uint64(wordBits-1-bits.LeadingZeros64(used)), true
		}
	}
	return 0, false
}

func (b *Bitmap) inRange(start, count uint64) bool {
	return count > 0 && start < b.pageCount && count <= b.pageCount-start
}

// apply calls fn with the word and bit mask for each word overlapping the
// page range. Out-of-range requests are ignored.
func (b *Bitmap) apply(start, count uint64, fn func(w *uint64, mask uint64)) {
	if !b.inRange(start, count) {
		return
	}
	end := start + count
	for page := start; page < end; {
		w := page / wordBits
		lo := page % wordBits
		hi := min(uint64(wordBits), lo+(end-page))

		var mask uint64
		if hi-lo == wordBits {
			mask = allFree
		} else {
			mask = ((uint64(1) << (hi - lo)) - 1) << lo
		}
		fn(&b.words[w], mask)
		page += hi - lo
	}
}
