package restore

import (
	"context"
	"fmt"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/pfn"
)

// pinCommandFor maps a page-table level to the pin command the hypervisor
// expects.
func pinCommandFor(l pfn.Level) hypervisor.PinCommand {
	switch l {
	case pfn.L1:
		return hypervisor.PinL1Table
	case pfn.L2:
		return hypervisor.PinL2Table
	case pfn.L3:
		return hypervisor.PinL3Table
	case pfn.L4:
		return hypervisor.PinL4Table
	default:
		return 0
	}
}

// pinPageTables implements component H: every PFN whose type carries the
// pin bit gets one pin command, submitted in MaxPinBatch-sized groups. By
// the time this runs, every page-table write (including any deferred §4.G
// pass) has completed, satisfying §4.H's ordering requirement.
func (r *Restore) pinPageTables(ctx context.Context) error {
	batchSize := r.opts.maxPinBatch()

	var ops []hypervisor.PinOp

	for p := pfn.PFN(0); uint64(p) < r.opts.MaxPFN; p++ {
		tc := r.pfnType[p]

		if !tc.Pinned || !tc.Level.IsPageTable() {
			continue
		}

		ops = append(ops, hypervisor.PinOp{
			Command: pinCommandFor(tc.Level),
			MFN:     r.p2m[p],
		})

		if len(ops) == batchSize {
			if err := r.flushPins(ctx, ops); err != nil {
				return err
			}

			ops = ops[:0]
		}
	}

	if len(ops) > 0 {
		if err := r.flushPins(ctx, ops); err != nil {
			return err
		}
	}

	return nil
}

func (r *Restore) flushPins(ctx context.Context, ops []hypervisor.PinOp) error {
	if err := r.hv.Pin(ctx, r.opts.DomainID, ops); err != nil {
		return fmt.Errorf("%w: pin batch of %d page tables: %w", ErrStreamInvalid, len(ops), err)
	}

	return nil
}
