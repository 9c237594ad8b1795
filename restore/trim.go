package restore

import (
	"context"
	"fmt"

	"github.com/restorevm/xenrestore/pfn"
)

// trimReservation implements component J: PFNs the guest's own P2M marked
// absent get their MFN released back to the hypervisor, and r.p2m records
// them as invalid. PFNs at or beyond max_pfn are silently ignored, per
// spec.
func (r *Restore) trimReservation(ctx context.Context) error {
	table, err := r.in.ReadAbsentPFNs(ctx)
	if err != nil {
		return fmt.Errorf("%w: read absent pfn table: %w", ErrStreamTruncated, err)
	}

	if len(table) == 0 {
		return nil
	}

	mfns := make([]pfn.MFN, 0, len(table))

	for _, raw := range table {
		p := pfn.PFN(raw)
		if uint64(p) >= r.opts.MaxPFN {
			continue
		}

		mfns = append(mfns, r.p2m[p])
		r.p2m[p] = pfn.Invalid
	}

	if len(mfns) == 0 {
		return nil
	}

	released, err := r.hv.DecreaseReservation(ctx, r.opts.DomainID, mfns)
	if err != nil {
		return fmt.Errorf("%w: decrease reservation: %w", ErrStreamInvalid, err)
	}

	if released != len(mfns) {
		return fmt.Errorf("%w: decrease reservation released %d of %d", ErrStreamInvalid, released, len(mfns))
	}

	return nil
}
