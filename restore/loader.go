package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/pfn"
	"github.com/restorevm/xenrestore/xstream"
)

// loadPages implements component E: the main batch loop. It runs until the
// stream signals j == 0, mapping each batch's frames in one contiguous
// foreign mapping, writing (or, in verify mode, comparing) page bodies,
// uncanonicalizing page-table pages as it goes, and enqueueing the
// resulting machphys updates.
func (r *Restore) loadPages(ctx context.Context, mmu hypervisor.MMUBatch) error {
	verify := false

	// deferL1 holds L1 uncanonicalization until §4.G's second pass, since
	// L3 tables (and therefore the p2m entries L1 entries point through)
	// may still move below 4G.
	deferL1 := r.platform.PagingLevels == 3 && !r.paeExtendedCR3

	for {
		mode, count, err := r.in.ReadBatchHeader(ctx)
		if err != nil {
			return fmt.Errorf("%w: read batch header: %w", ErrStreamTruncated, err)
		}

		switch mode {
		case xstream.BatchEnd:
			return nil
		case xstream.BatchVerifyToggle:
			verify = !verify

			continue
		}

		if err := r.loadBatch(ctx, mmu, count, verify, deferL1); err != nil {
			return err
		}
	}
}

func (r *Restore) loadBatch(
	ctx context.Context, mmu hypervisor.MMUBatch, count int32, verify, deferL1 bool,
) error {
	if int(count) > r.opts.maxBatchSize() {
		return fmt.Errorf("%w: batch of %d exceeds max batch size %d", ErrStreamInvalid, count, r.opts.maxBatchSize())
	}

	tagged, err := r.in.ReadTaggedPFNs(ctx, count)
	if err != nil {
		return fmt.Errorf("%w: read tagged pfns: %w", ErrStreamTruncated, err)
	}

	pfns := make([]pfn.PFN, count)
	types := make([]pfn.TypeCode, count)
	mfns := make([]pfn.MFN, count)

	for i, raw := range tagged {
		p, tc := pfn.DecodeTag(raw)
		pfns[i] = p
		types[i] = tc

		if tc.Level == pfn.XTAB {
			mfns[i] = 0

			continue
		}

		if tc.Level != pfn.NOTAB && !tc.Level.IsPageTable() {
			return fmt.Errorf("%w: pfn %d has bogus page type %s", ErrStreamInvalid, p, tc.Level)
		}

		if uint64(p) >= r.opts.MaxPFN {
			return fmt.Errorf("%w: pfn %d >= max_pfn %d", ErrStreamInvalid, p, r.opts.MaxPFN)
		}

		mfns[i] = r.p2m[p]
	}

	mapping, err := r.hv.MapForeignBatch(ctx, r.opts.DomainID, true, mfns)
	if err != nil {
		return fmt.Errorf("%w: map foreign batch: %w", ErrStreamInvalid, err)
	}
	defer mapping.Release()

	base := mapping.Bytes()
	scratch := make([]byte, pfn.PageSize)

	for i, p := range pfns {
		tc := types[i]

		if tc.Level == pfn.XTAB {
			continue
		}

		r.pfnType[p] = tc

		frame := base[i*pfn.PageSize : (i+1)*pfn.PageSize]

		if verify {
			if err := r.in.ReadPage(ctx, scratch); err != nil {
				return fmt.Errorf("%w: read page body: %w", ErrStreamTruncated, err)
			}

			if !bytes.Equal(scratch, frame) {
				r.log.Printf("restore: verify mismatch at pfn %d", p)
			}

			continue
		}

		if err := r.in.ReadPage(ctx, frame); err != nil {
			return fmt.Errorf("%w: read page body: %w", ErrStreamTruncated, err)
		}

		if tc.Level.IsPageTable() && !(deferL1 && tc.Level == pfn.L1) {
			if err := r.uncanonicalizePage(frame, r.entryWidth()); err != nil {
				if !errors.Is(err, errPTRace) {
					return err
				}

				// A failed uncanonicalization means the page still holds
				// canonical PFN references; skip it entirely so it gets no
				// machphys update now; the save side will resupply it.
				r.stats.PTRaces++

				continue
			}
		}

		if err := mmu.Enqueue(ctx, mfns[i], p); err != nil {
			return fmt.Errorf("%w: enqueue machphys update: %w", ErrStreamInvalid, err)
		}

		r.stats.PagesLoaded++
	}

	return nil
}
