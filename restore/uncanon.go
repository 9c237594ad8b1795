package restore

import (
	"encoding/binary"
	"fmt"

	"github.com/restorevm/xenrestore/pfn"
)

// ptePresent is bit 0 of a page-table entry.
const ptePresent = 1 << 0

// pteFrameMask clears the frame-number bits of a 64-bit-promoted PTE while
// preserving the low 12 flag bits and the high 12 NX/reserved bits (§4.F).
const pteFrameMask = 0xffffff0000000fff

// errPTRace is returned (never surfaced to the caller) when a page tagged
// as a page table contains an out-of-range frame reference — the
// tolerated save-side race described in §4.E/§7. loadBatch and
// uncanonicalizeL1Batch convert it into a skip-and-count rather than a
// fatal error.
var errPTRace = fmt.Errorf("uncanonicalize: pfn out of range")

// uncanonicalizePage rewrites every present entry of page from its
// stream-encoded PFN to r.p2m's corresponding MFN, in place. width is 4 for
// two-level paging, 8 otherwise (Design Note 2). It returns errPTRace,
// without modifying page further, on the first entry whose frame number is
// out of range — the caller treats that as a non-fatal skip.
func (r *Restore) uncanonicalizePage(page []byte, width int) error {
	entries := len(page) / width

	for i := 0; i < entries; i++ {
		off := i * width

		var pte uint64
		if width == 4 {
			pte = uint64(binary.LittleEndian.Uint32(page[off:]))
		} else {
			pte = binary.LittleEndian.Uint64(page[off:])
		}

		if pte&ptePresent == 0 {
			continue
		}

		p := pfn.PFN((pte >> pfn.PageShift) & 0xffffffff)
		if uint64(p) >= r.opts.MaxPFN {
			return errPTRace
		}

		mfn := r.p2m[p]

		pte = (pte & pteFrameMask) | (uint64(mfn) << pfn.PageShift)

		if width == 4 {
			binary.LittleEndian.PutUint32(page[off:], uint32(pte))
		} else {
			binary.LittleEndian.PutUint64(page[off:], pte)
		}
	}

	return nil
}
