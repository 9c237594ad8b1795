package restore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/pfn"
)

var byteOrder = binary.LittleEndian

// pae4GBoundaryMFN is the MFN ceiling L3 (top-level, PAE) page-directory
// pages must stay below: 0x100000 frames * 4 KiB = 4 GiB.
const pae4GBoundaryMFN = 0x100000

// paeL3Entries is the fixed entry count of a PAE L3 table (4, regardless
// of entry width — PAE L3 entries are always 8 bytes).
const paeL3Entries = 4

// relocatePAE implements component G. It runs only when the caller has
// already determined the guest uses 3-level paging without the
// extended-cr3 assist (restore.go gates the call on that condition).
//
// Pass one moves every L3TAB page whose current MFN is at or above the
// 4G boundary to a replacement frame below it. Pass two then
// uncanonicalizes the L1 pages the main loop deliberately left untouched,
// now that r.p2m is fully settled.
func (r *Restore) relocatePAE(ctx context.Context, mmu hypervisor.MMUBatch) error {
	for p := pfn.PFN(0); uint64(p) < r.opts.MaxPFN; p++ {
		if r.pfnType[p].Level != pfn.L3 {
			continue
		}

		if r.p2m[p] < pae4GBoundaryMFN {
			continue
		}

		if err := r.relocateL3(ctx, mmu, p); err != nil {
			return err
		}
	}

	if err := r.uncanonicalizeDeferredL1s(ctx); err != nil {
		return err
	}

	if err := mmu.Flush(ctx); err != nil {
		return fmt.Errorf("%w: flush mmu updates after pae relocation: %w", ErrStreamInvalid, err)
	}

	return nil
}

func (r *Restore) relocateL3(ctx context.Context, mmu hypervisor.MMUBatch, p pfn.PFN) error {
	oldMFN := r.p2m[p]

	roMapping, err := r.hv.MapForeignRange(ctx, r.opts.DomainID, false, oldMFN)
	if err != nil {
		return fmt.Errorf("%w: map l3 table pfn %d read-only: %w", ErrStreamInvalid, p, err)
	}

	var saved [paeL3Entries]uint64

	src := roMapping.Bytes()
	for i := range saved {
		saved[i] = byteOrder.Uint64(src[i*8:])
	}

	if err := roMapping.Release(); err != nil {
		return fmt.Errorf("%w: unmap l3 table pfn %d: %w", ErrStreamInvalid, p, err)
	}

	newMFN, err := r.hv.MakePageBelow4G(ctx, r.opts.DomainID, oldMFN)
	if err != nil {
		return fmt.Errorf("%w: make l3 table pfn %d page below 4G: %w", ErrOutOfMemory, p, err)
	}

	r.p2m[p] = newMFN

	if err := mmu.Enqueue(ctx, newMFN, p); err != nil {
		return fmt.Errorf("%w: enqueue machphys update for relocated l3 pfn %d: %w", ErrStreamInvalid, p, err)
	}

	rwMapping, err := r.hv.MapForeignRange(ctx, r.opts.DomainID, true, newMFN)
	if err != nil {
		return fmt.Errorf("%w: map relocated l3 table pfn %d read-write: %w", ErrStreamInvalid, p, err)
	}
	defer rwMapping.Release()

	dst := rwMapping.Bytes()
	for i, v := range saved {
		byteOrder.PutUint64(dst[i*8:], v)
	}

	return nil
}

func (r *Restore) uncanonicalizeDeferredL1s(ctx context.Context) error {
	batchSize := r.opts.maxBatchSize()

	var pfns []pfn.PFN

	for p := pfn.PFN(0); uint64(p) < r.opts.MaxPFN; p++ {
		if r.pfnType[p].Level != pfn.L1 {
			continue
		}

		pfns = append(pfns, p)

		if len(pfns) == batchSize {
			if err := r.uncanonicalizeL1Batch(ctx, pfns); err != nil {
				return err
			}

			pfns = pfns[:0]
		}
	}

	if len(pfns) > 0 {
		if err := r.uncanonicalizeL1Batch(ctx, pfns); err != nil {
			return err
		}
	}

	return nil
}

func (r *Restore) uncanonicalizeL1Batch(ctx context.Context, pfns []pfn.PFN) error {
	mfns := make([]pfn.MFN, len(pfns))
	for i, p := range pfns {
		mfns[i] = r.p2m[p]
	}

	mapping, err := r.hv.MapForeignBatch(ctx, r.opts.DomainID, true, mfns)
	if err != nil {
		return fmt.Errorf("%w: map deferred l1 batch: %w", ErrStreamInvalid, err)
	}
	defer mapping.Release()

	base := mapping.Bytes()

	for i, p := range pfns {
		frame := base[i*pfn.PageSize : (i+1)*pfn.PageSize]

		if err := r.uncanonicalizePage(frame, r.entryWidth()); err != nil {
			if errors.Is(err, errPTRace) {
				r.stats.PTRaces++

				continue
			}

			return fmt.Errorf("uncanonicalize deferred l1 pfn %d: %w", p, err)
		}
	}

	return nil
}
