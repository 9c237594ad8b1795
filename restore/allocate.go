package restore

import (
	"context"
	"fmt"

	"github.com/restorevm/xenrestore/pfn"
)

// allocateDomain implements component C: size the domain, grow its
// reservation to max_pfn frames, then fetch the resulting PFN->MFN list
// straight into r.p2m. pfn_type starts out all-NOTAB; the page loader
// (component E) fills it in as the stream is consumed.
func (r *Restore) allocateDomain(ctx context.Context) error {
	maxPFN := r.opts.MaxPFN

	kb := maxPFN * pfn.PageSize / 1024
	if err := r.hv.SetMaxMem(ctx, r.opts.DomainID, kb); err != nil {
		return fmt.Errorf("%w: set max mem: %w", ErrOutOfMemory, err)
	}

	if err := r.hv.IncreaseReservation(ctx, r.opts.DomainID, maxPFN); err != nil {
		return fmt.Errorf("%w: increase reservation: %w", ErrOutOfMemory, err)
	}

	mfns, err := r.hv.GetPFNList(ctx, r.opts.DomainID, maxPFN)
	if err != nil {
		return fmt.Errorf("%w: get pfn list: %w", ErrOutOfMemory, err)
	}

	if uint64(len(mfns)) != maxPFN {
		return fmt.Errorf("%w: get pfn list returned %d entries, want %d", ErrOutOfMemory, len(mfns), maxPFN)
	}

	r.p2m = mfns
	r.pfnType = make([]pfn.TypeCode, maxPFN)

	return nil
}
