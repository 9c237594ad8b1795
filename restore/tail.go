package restore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/restorevm/xenrestore/pfn"
)

// fixupTail implements component I. It is the last thing to run before
// the context is sanitized and submitted: it resolves every remaining
// embedded PFN reference (suspend record, start-info page, GDT frames,
// page-table root, P2M frame list), patches the shared-info page, and
// copies the fully-resolved P2M into the guest's own live P2M table. It
// returns the translated store and console MFNs the caller promised in
// spec §6 ("Caller-provided outputs") and the context ready for
// sanitizeContext.
func (r *Restore) fixupTail(ctx context.Context, p2mFrameList []uint64) (storeMFN, consoleMFN pfn.MFN, ctxt *VCPUContext, err error) {
	raw := make([]byte, vcpuContextSize)
	if err := r.in.ReadExact(ctx, raw); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: read vcpu context: %w", ErrStreamTruncated, err)
	}

	ctxt, err = decodeVCPUContext(raw)
	if err != nil {
		return 0, 0, nil, err
	}

	sharedInfoImage := make([]byte, pfn.PageSize)
	if err := r.in.ReadPage(ctx, sharedInfoImage); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: read shared-info image: %w", ErrStreamTruncated, err)
	}

	startInfoMFN, err := r.translateSuspendRecord(ctxt)
	if err != nil {
		return 0, 0, nil, err
	}

	storeMFN, consoleMFN, err = r.fixupStartInfo(ctx, startInfoMFN)
	if err != nil {
		return 0, 0, nil, err
	}

	if err := r.translateGDTFrames(ctxt); err != nil {
		return 0, 0, nil, err
	}

	if err := r.translatePageTableRoot(ctxt); err != nil {
		return 0, 0, nil, err
	}

	if err := r.translateP2MFrameList(p2mFrameList); err != nil {
		return 0, 0, nil, err
	}

	if err := r.fixupSharedInfo(ctx, sharedInfoImage); err != nil {
		return 0, 0, nil, err
	}

	if err := r.copyLiveP2M(ctx, p2mFrameList); err != nil {
		return 0, 0, nil, err
	}

	return storeMFN, consoleMFN, ctxt, nil
}

// validateNotab applies the "validate then translate" pattern for
// references that must name an ordinary, not-yet-typed page: the PFN must
// be in range and must not already be claimed as a page-table page.
func (r *Restore) validateNotab(p pfn.PFN) error {
	if uint64(p) >= r.opts.MaxPFN {
		return fmt.Errorf("%w: pfn %d >= max_pfn %d", ErrStreamInvalid, p, r.opts.MaxPFN)
	}

	if r.pfnType[p].Level != pfn.NOTAB {
		return fmt.Errorf("%w: pfn %d has type %s, want NOTAB", ErrStreamInvalid, p, r.pfnType[p].Level)
	}

	return nil
}

// validateRange checks only that p is a valid pseudo-physical frame,
// without requiring a particular page type (store_mfn/console mfn name
// ordinary data pages whose type is not otherwise constrained).
func (r *Restore) validateRange(p pfn.PFN) error {
	if uint64(p) >= r.opts.MaxPFN {
		return fmt.Errorf("%w: pfn %d >= max_pfn %d", ErrStreamInvalid, p, r.opts.MaxPFN)
	}

	return nil
}

func (r *Restore) translateSuspendRecord(ctxt *VCPUContext) (pfn.MFN, error) {
	p := pfn.PFN(ctxt.UserRegsEDX)
	if err := r.validateNotab(p); err != nil {
		return 0, fmt.Errorf("suspend record: %w", err)
	}

	mfn := r.p2m[p]
	ctxt.UserRegsEDX = uint64(mfn)

	return mfn, nil
}

func (r *Restore) fixupStartInfo(ctx context.Context, startInfoMFN pfn.MFN) (storeMFN, consoleMFN pfn.MFN, err error) {
	mapping, err := r.hv.MapForeignRange(ctx, r.opts.DomainID, true, startInfoMFN)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: map start-info page: %w", ErrStreamInvalid, err)
	}
	defer mapping.Release()

	page := mapping.Bytes()

	storePFN := pfn.PFN(binary.LittleEndian.Uint64(page[startInfoStoreMFNOff:]))
	if err := r.validateRange(storePFN); err != nil {
		return 0, 0, fmt.Errorf("start-info store_mfn: %w", err)
	}

	storeMFN = r.p2m[storePFN]

	consolePFN := pfn.PFN(binary.LittleEndian.Uint64(page[startInfoConsoleMFNOff:]))
	if err := r.validateRange(consolePFN); err != nil {
		return 0, 0, fmt.Errorf("start-info console mfn: %w", err)
	}

	consoleMFN = r.p2m[consolePFN]

	domInfo, err := r.hv.GetDomainInfo(ctx, r.opts.DomainID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: get domain info: %w", ErrStreamInvalid, err)
	}

	writeStartInfo(
		page,
		r.opts.MaxPFN,
		uint64(domInfo.SharedInfoFrame)<<pfn.PageShift,
		uint64(storeMFN),
		uint64(consoleMFN),
		r.opts.StoreEvtchn,
		r.opts.ConsoleEvtchn,
	)

	return storeMFN, consoleMFN, nil
}

// gdtEntrySize is the byte size of one GDT descriptor.
const gdtEntrySize = 8

func (r *Restore) translateGDTFrames(ctxt *VCPUContext) error {
	if ctxt.GDTEnts > gdtMaxEntries {
		return fmt.Errorf("%w: gdt entry count %d exceeds %d", ErrStreamInvalid, ctxt.GDTEnts, gdtMaxEntries)
	}

	numFrames := (int(ctxt.GDTEnts)*gdtEntrySize + pfn.PageSize - 1) / pfn.PageSize
	if numFrames > gdtMaxFrames {
		return fmt.Errorf("%w: gdt spans %d frames, max %d", ErrStreamInvalid, numFrames, gdtMaxFrames)
	}

	for i := 0; i < numFrames; i++ {
		p := pfn.PFN(ctxt.GDTFrames[i])
		if err := r.validateNotab(p); err != nil {
			return fmt.Errorf("gdt frame %d: %w", i, err)
		}

		ctxt.GDTFrames[i] = uint64(r.p2m[p])
	}

	return nil
}

func (r *Restore) translatePageTableRoot(ctxt *VCPUContext) error {
	cr3 := ctxt.CR3()
	p := pfn.PFN(cr3 >> pfn.PageShift)

	if uint64(p) >= r.opts.MaxPFN {
		return fmt.Errorf("%w: page-table root pfn %d >= max_pfn %d", ErrStreamInvalid, p, r.opts.MaxPFN)
	}

	wantLevel := pfn.Level(r.platform.PagingLevels)

	if r.pfnType[p].Level != wantLevel {
		return fmt.Errorf("%w: page-table root pfn %d has type %s, want %s",
			ErrStreamInvalid, p, r.pfnType[p].Level, wantLevel)
	}

	mfn := r.p2m[p]
	ctxt.SetCR3((uint64(mfn) << pfn.PageShift) | (cr3 & 0xfff))

	return nil
}

func (r *Restore) translateP2MFrameList(p2mFrameList []uint64) error {
	for i, raw := range p2mFrameList {
		p := pfn.PFN(raw)
		if err := r.validateNotab(p); err != nil {
			return fmt.Errorf("p2m frame list[%d]: %w", i, err)
		}

		p2mFrameList[i] = uint64(r.p2m[p])
	}

	return nil
}

func (r *Restore) fixupSharedInfo(ctx context.Context, image []byte) error {
	domInfo, err := r.hv.GetDomainInfo(ctx, r.opts.DomainID)
	if err != nil {
		return fmt.Errorf("%w: get domain info: %w", ErrStreamInvalid, err)
	}

	mapping, err := r.hv.MapForeignRange(ctx, r.opts.DomainID, true, domInfo.SharedInfoFrame)
	if err != nil {
		return fmt.Errorf("%w: map shared-info page: %w", ErrStreamInvalid, err)
	}
	defer mapping.Release()

	sanitizeSharedInfo(image)
	copy(mapping.Bytes(), image)

	return nil
}

// copyLiveP2M writes the fully-resolved r.p2m into the guest's own P2M
// table, at the frames named (now translated) by p2mFrameList.
func (r *Restore) copyLiveP2M(ctx context.Context, p2mFrameList []uint64) error {
	mfns := make([]pfn.MFN, len(p2mFrameList))
	for i, raw := range p2mFrameList {
		mfns[i] = pfn.MFN(raw)
	}

	mapping, err := r.hv.MapForeignBatch(ctx, r.opts.DomainID, true, mfns)
	if err != nil {
		return fmt.Errorf("%w: map live p2m: %w", ErrStreamInvalid, err)
	}
	defer mapping.Release()

	dst := mapping.Bytes()

	for p := pfn.PFN(0); uint64(p) < r.opts.MaxPFN; p++ {
		binary.LittleEndian.PutUint64(dst[uint64(p)*8:], uint64(r.p2m[p]))
	}

	return nil
}
