// Package restore implements the guest restore engine: the
// pseudo-physical-to-machine frame remapping and page-table
// uncanonicalization core described in spec.md. It consumes a stream
// produced by a save engine (via xstream.Reader) and drives a hypervisor
// (via hypervisor.Interface) to reconstruct a live domain from it.
package restore

import (
	"context"
	"fmt"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/pfn"
	"github.com/restorevm/xenrestore/xstream"
)

// Restore owns every piece of per-invocation state the source kept as
// process globals (p2m, live_p2m, pfn_type, region_mfn, ...). One value
// per in-flight restore; no package-level mutable state (Design Note 1).
type Restore struct {
	opts Options
	hv   hypervisor.Interface
	in   *xstream.Reader
	log  Logger

	platform hypervisor.PlatformInfo

	// p2m[pfn] -> mfn. Built in allocateDomain, mutated by relocatePAE,
	// set to pfn.Invalid for absent PFNs by trimReservation (invariant 1).
	p2m []pfn.MFN

	// pfnType[pfn] -> the type code as received from the stream
	// (invariant 2 depends on this being fully populated before
	// pinning).
	pfnType []pfn.TypeCode

	// paeExtendedCR3 is the virtualization-assist flag from the vcpu
	// context's vm_assist field; when set, §4.G's relocation pass is
	// skipped even on 3-level paging.
	paeExtendedCR3 bool

	stats Stats
}

// Stats accumulates the counters spec §7/§8 call out as part of the final
// summary.
type Stats struct {
	PagesLoaded int
	PTRaces     int
}

// Summary is returned by Run: the resolved caller-provided outputs (§6)
// plus restore statistics.
type Summary struct {
	Stats       Stats
	StoreMFN    pfn.MFN
	ConsoleMFN  pfn.MFN
}

// New constructs a Restore value bound to hv (the hypercall boundary) and
// reading from in (the stream). It performs no I/O.
func New(opts Options, hv hypervisor.Interface, in *xstream.Reader) *Restore {
	return &Restore{
		opts: opts,
		hv:   hv,
		in:   in,
		log:  opts.logger(),
	}
}

// Run drives the entire restore to completion: platform probe, domain
// allocation, the page-load/uncanonicalize loop, the PAE relocation pass
// (if required), pinning, reservation trimming, tail fix-up, context
// sanitization, and final context submission.
//
// On any fatal error, Run destroys the partially-constructed domain (when
// DomainID != 0) before returning, matching §5's cancellation/cleanup
// contract.
func (r *Restore) Run(ctx context.Context) (Summary, error) {
	summary, err := r.run(ctx)
	if err != nil {
		r.log.Printf("restore: fatal error, cleaning up: %v", err)

		if r.opts.DomainID != 0 {
			if destroyErr := r.hv.DestroyDomain(ctx, r.opts.DomainID); destroyErr != nil {
				r.log.Printf("restore: destroy domain %d after failure: %v", r.opts.DomainID, destroyErr)
			}
		}

		return Summary{}, err
	}

	return summary, nil
}

func (r *Restore) run(ctx context.Context) (Summary, error) {
	if err := r.probePlatform(ctx); err != nil {
		return Summary{}, err
	}

	p2mHead, ext, err := r.in.ReadP2MHead(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrStreamTruncated, err)
	}

	if ext.Present {
		r.paeExtendedCR3 = vcpuHasExtendedCR3(ext.VCPUContext)
	}

	fle := p2mFrameListEntries(r.opts.MaxPFN)

	p2mFrameList := make([]uint64, fle)
	p2mFrameList[0] = p2mHead

	if fle > 1 {
		rest, err := r.in.ReadP2MRest(ctx, fle-1)
		if err != nil {
			return Summary{}, fmt.Errorf("%w: %w", ErrStreamTruncated, err)
		}

		copy(p2mFrameList[1:], rest)
	}

	if err := r.allocateDomain(ctx); err != nil {
		return Summary{}, err
	}

	mmu, err := r.hv.InitMMUUpdates(ctx, r.opts.DomainID)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: init mmu updates: %w", ErrOutOfMemory, err)
	}

	if err := r.loadPages(ctx, mmu); err != nil {
		return Summary{}, err
	}

	if err := mmu.Flush(ctx); err != nil {
		return Summary{}, fmt.Errorf("%w: flush mmu updates: %w", ErrStreamInvalid, err)
	}

	r.log.Printf("restore: received all pages (%d races)", r.stats.PTRaces)

	if r.platform.PagingLevels == 3 && !r.paeExtendedCR3 {
		if err := r.relocatePAE(ctx, mmu); err != nil {
			return Summary{}, err
		}
	}

	if err := r.pinPageTables(ctx); err != nil {
		return Summary{}, err
	}

	if err := r.trimReservation(ctx); err != nil {
		return Summary{}, err
	}

	storeMFN, consoleMFN, ctxt, err := r.fixupTail(ctx, p2mFrameList)
	if err != nil {
		return Summary{}, err
	}

	guestIs32Bit := r.platform.PagingLevels != 4

	if err := sanitizeContext(ctxt, r.platform.VirtualFloor, r.opts.FlatKernelCS, r.opts.FlatKernelDS, guestIs32Bit); err != nil {
		return Summary{}, err
	}

	if err := r.hv.SetVCPUContext(ctx, r.opts.DomainID, 0, ctxt.Encode()); err != nil {
		return Summary{}, fmt.Errorf("%w: set vcpu context: %w", ErrStreamInvalid, err)
	}

	r.log.Printf("restore: domain %d ready (%d pages, %d pt races)",
		r.opts.DomainID, r.stats.PagesLoaded, r.stats.PTRaces)

	return Summary{Stats: r.stats, StoreMFN: storeMFN, ConsoleMFN: consoleMFN}, nil
}
