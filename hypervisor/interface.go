// Package hypervisor defines the opaque hypercall boundary the restore
// engine talks to: domain sizing, foreign memory mapping, MMU updates,
// page-table pinning, and final context submission. Nothing in package
// restore knows how these operations actually reach the host kernel; they
// are named here as an interface so the engine can be driven against a
// fake in tests the same way it is driven against a real host in
// production.
package hypervisor

import (
	"context"

	"github.com/restorevm/xenrestore/pfn"
)

// PlatformInfo is the result of the platform probe (§4.A): the host's MFN
// ceiling, the hypervisor virtual-address floor below which guest
// structures must stay, and the number of page-table levels the guest
// uses.
type PlatformInfo struct {
	MaxMFN       pfn.MFN
	VirtualFloor uint64
	PagingLevels uint
}

// DomainInfo is the subset of domain metadata the restore engine needs:
// the frame backing the domain's shared-info page.
type DomainInfo struct {
	SharedInfoFrame pfn.MFN
}

// MMUBatch is the §4.D machphys update batcher's handle. Enqueue packs one
// (mfn, pfn) reverse-mapping update; Flush forces any buffered updates out
// before the caller proceeds to an operation that depends on them being
// visible (§5, ordering guarantee 3).
type MMUBatch interface {
	Enqueue(ctx context.Context, mfn pfn.MFN, p pfn.PFN) error
	Flush(ctx context.Context) error
}

// Mapping is a scoped, borrowed view of one or more machine frames mapped
// into the restore process's address space. Callers must Release it before
// the next Map call — the hypervisor may recycle the underlying slot
// (§5, "Shared-resource policy").
type Mapping interface {
	Bytes() []byte
	Release() error
}

// PinCommand names one of the four pin hypercalls, selected by the level
// of the page being pinned.
type PinCommand uint

const (
	PinL1Table PinCommand = iota + 1
	PinL2Table
	PinL3Table
	PinL4Table
)

// PinOp is one entry of a pin batch: pin the page table at MFN using
// Command.
type PinOp struct {
	Command PinCommand
	MFN     pfn.MFN
}

// Interface is the full hypercall surface consumed by the restore engine,
// named by operation per §6 ("Hypercall surface consumed"). A production
// implementation is IoctlClient; tests drive a fake.
type Interface interface {
	// Probe implements §4.A.
	Probe(ctx context.Context, domID uint32) (PlatformInfo, error)

	// GetDomainInfo fetches the new domain's shared-info frame (§4.C).
	GetDomainInfo(ctx context.Context, domID uint32) (DomainInfo, error)

	// SetMaxMem sets the domain's maximum-memory hint, in kilobytes (§4.C).
	SetMaxMem(ctx context.Context, domID uint32, kb uint64) error

	// IncreaseReservation grows the domain's memory reservation by pages
	// frames (§4.C).
	IncreaseReservation(ctx context.Context, domID uint32, pages uint64) error

	// GetPFNList fetches the hypervisor's resulting PFN->MFN list for the
	// domain, n entries long (§4.C).
	GetPFNList(ctx context.Context, domID uint32, n uint64) ([]pfn.MFN, error)

	// MapForeignBatch maps a set of (possibly non-contiguous) machine
	// frames into one contiguous local mapping (§4.E). A zero MFN entry
	// (used for XTAB placeholder slots) is expected to fail only if the
	// corresponding page is subsequently accessed, never at map time.
	MapForeignBatch(ctx context.Context, domID uint32, writable bool, mfns []pfn.MFN) (Mapping, error)

	// MapForeignRange maps a single machine frame (§4.G, §4.I).
	MapForeignRange(ctx context.Context, domID uint32, writable bool, mfn pfn.MFN) (Mapping, error)

	// InitMMUUpdates returns a fresh batcher for machphys updates (§4.D).
	InitMMUUpdates(ctx context.Context, domID uint32) (MMUBatch, error)

	// MakePageBelow4G asks the hypervisor to replace the page currently at
	// mfn with one below the 4 GiB physical boundary, returning the new
	// MFN (§4.G).
	MakePageBelow4G(ctx context.Context, domID uint32, mfn pfn.MFN) (pfn.MFN, error)

	// Pin submits a batch of page-table pin operations (§4.H).
	Pin(ctx context.Context, domID uint32, ops []PinOp) error

	// DecreaseReservation releases the given machine frames back to the
	// hypervisor (§4.J). The returned count must equal len(mfns) or the
	// caller treats the call as failed.
	DecreaseReservation(ctx context.Context, domID uint32, mfns []pfn.MFN) (released int, err error)

	// SetVCPUContext submits the final, fully-resolved virtual-CPU context
	// for vcpu (§4.K). ctxt is the fixed-layout context record as received
	// from the stream, patched in place by the restore engine.
	SetVCPUContext(ctx context.Context, domID uint32, vcpu uint32, ctxt []byte) error

	// DestroyDomain tears down a partially-constructed domain on failure
	// (§5, "Cancellation/timeout").
	DestroyDomain(ctx context.Context, domID uint32) error
}
