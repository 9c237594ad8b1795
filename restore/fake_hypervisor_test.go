package restore

import (
	"context"
	"fmt"

	"github.com/restorevm/xenrestore/hypervisor"
	"github.com/restorevm/xenrestore/pfn"
)

// fakeHypervisor is an in-memory stand-in for hypervisor.Interface, the
// same role migration/transport_test.go's in-memory pipe plays for a real
// socket: every test in this package drives the restore engine against
// one of these instead of real virtualization hardware.
type fakeHypervisor struct {
	platform hypervisor.PlatformInfo
	domInfo  hypervisor.DomainInfo

	mem map[pfn.MFN][]byte

	nextMFN    pfn.MFN
	allocated  []pfn.MFN
	lowNextMFN pfn.MFN

	machphys []machphysPair
	pins     []hypervisor.PinOp
	decrease [][]pfn.MFN
	destroyed bool
	vcpuCtxt []byte

	decreaseShort    bool
	pinErr           error
	shortReservation bool
}

type machphysPair struct {
	MFN pfn.MFN
	PFN pfn.PFN
}

func newFakeHypervisor(pagingLevels uint) *fakeHypervisor {
	return &fakeHypervisor{
		platform: hypervisor.PlatformInfo{
			MaxMFN:       1 << 20,
			VirtualFloor: 0xf0000000,
			PagingLevels: pagingLevels,
		},
		domInfo:    hypervisor.DomainInfo{SharedInfoFrame: 9000},
		mem:        make(map[pfn.MFN][]byte),
		nextMFN:    100,
		lowNextMFN: 10,
	}
}

func (f *fakeHypervisor) page(mfn pfn.MFN) []byte {
	if f.mem[mfn] == nil {
		f.mem[mfn] = make([]byte, pfn.PageSize)
	}

	return f.mem[mfn]
}

func (f *fakeHypervisor) Probe(context.Context, uint32) (hypervisor.PlatformInfo, error) {
	return f.platform, nil
}

func (f *fakeHypervisor) GetDomainInfo(context.Context, uint32) (hypervisor.DomainInfo, error) {
	return f.domInfo, nil
}

func (f *fakeHypervisor) SetMaxMem(context.Context, uint32, uint64) error { return nil }

func (f *fakeHypervisor) IncreaseReservation(_ context.Context, _ uint32, pages uint64) error {
	if f.shortReservation && pages > 0 {
		pages--
	}

	for i := uint64(0); i < pages; i++ {
		f.allocated = append(f.allocated, f.nextMFN)
		f.page(f.nextMFN)
		f.nextMFN++
	}

	return nil
}

func (f *fakeHypervisor) GetPFNList(_ context.Context, _ uint32, n uint64) ([]pfn.MFN, error) {
	if uint64(len(f.allocated)) < n {
		return nil, fmt.Errorf("fake: only %d frames allocated, want %d", len(f.allocated), n)
	}

	out := make([]pfn.MFN, n)
	copy(out, f.allocated[:n])

	return out, nil
}

type fakeMapping struct {
	owner    *fakeHypervisor
	mfns     []pfn.MFN
	writable bool
	buf      []byte
}

func (m *fakeMapping) Bytes() []byte { return m.buf }

func (m *fakeMapping) Release() error {
	if !m.writable {
		return nil
	}

	for i, mfn := range m.mfns {
		if mfn == 0 {
			continue
		}

		copy(m.owner.page(mfn), m.buf[i*pfn.PageSize:(i+1)*pfn.PageSize])
	}

	return nil
}

func (f *fakeHypervisor) MapForeignBatch(
	_ context.Context, _ uint32, writable bool, mfns []pfn.MFN,
) (hypervisor.Mapping, error) {
	buf := make([]byte, len(mfns)*pfn.PageSize)

	for i, mfn := range mfns {
		if mfn == 0 {
			continue
		}

		copy(buf[i*pfn.PageSize:(i+1)*pfn.PageSize], f.page(mfn))
	}

	return &fakeMapping{owner: f, mfns: mfns, writable: writable, buf: buf}, nil
}

func (f *fakeHypervisor) MapForeignRange(
	ctx context.Context, domID uint32, writable bool, mfn pfn.MFN,
) (hypervisor.Mapping, error) {
	return f.MapForeignBatch(ctx, domID, writable, []pfn.MFN{mfn})
}

type fakeMMUBatch struct {
	owner *fakeHypervisor
}

func (b *fakeMMUBatch) Enqueue(_ context.Context, mfn pfn.MFN, p pfn.PFN) error {
	b.owner.machphys = append(b.owner.machphys, machphysPair{MFN: mfn, PFN: p})

	return nil
}

func (b *fakeMMUBatch) Flush(context.Context) error { return nil }

func (f *fakeHypervisor) InitMMUUpdates(context.Context, uint32) (hypervisor.MMUBatch, error) {
	return &fakeMMUBatch{owner: f}, nil
}

func (f *fakeHypervisor) MakePageBelow4G(context.Context, uint32, pfn.MFN) (pfn.MFN, error) {
	newMFN := f.lowNextMFN
	f.lowNextMFN++
	f.page(newMFN)

	return newMFN, nil
}

func (f *fakeHypervisor) Pin(_ context.Context, _ uint32, ops []hypervisor.PinOp) error {
	if f.pinErr != nil {
		return f.pinErr
	}

	f.pins = append(f.pins, ops...)

	return nil
}

func (f *fakeHypervisor) DecreaseReservation(
	_ context.Context, _ uint32, mfns []pfn.MFN,
) (int, error) {
	f.decrease = append(f.decrease, append([]pfn.MFN(nil), mfns...))

	if f.decreaseShort {
		return len(mfns) - 1, nil
	}

	return len(mfns), nil
}

func (f *fakeHypervisor) SetVCPUContext(_ context.Context, _ uint32, _ uint32, ctxt []byte) error {
	f.vcpuCtxt = append([]byte(nil), ctxt...)

	return nil
}

func (f *fakeHypervisor) DestroyDomain(context.Context, uint32) error {
	f.destroyed = true

	return nil
}

var _ hypervisor.Interface = (*fakeHypervisor)(nil)
