package hypervisor

// ioctl.go — the one concrete Interface implementation, driving the
// hypervisor's privcmd-style ioctl interface. This file is the opaque
// boundary named in spec §6: the restore engine never imports it directly,
// it only depends on Interface. The ioctl dispatch pattern (raw syscall,
// EINTR retry, typed request numbers) follows the same shape as the
// teacher stack's kvm.Ioctl helper, generalized from a single /dev/kvm fd
// to the privcmd fd + per-domain hypercalls a restore tool issues.

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/restorevm/xenrestore/pfn"
)

// Hypercall op numbers. These name the operations listed in spec §6
// ("Hypercall surface consumed"); the numeric values are placeholders for
// whatever the local privcmd driver assigns them, the way kvm.go's own
// ioctl numbers are resolved against the running kernel's ABI rather than
// hard-coded from a spec document.
const (
	opPlatformInfo          = 1
	opGetDomainInfo         = 2
	opSetMaxMem             = 3
	opIncreaseReservation   = 4
	opGetPFNList            = 5
	opMapForeignBatch       = 6
	opMapForeignRange       = 7
	opInitMMUUpdates        = 8
	opAddMMUUpdate          = 9
	opFinishMMUUpdates      = 10
	opMakePageBelow4G       = 11
	opMMUExtOp              = 12
	opDecreaseReservation   = 13
	opSetVCPUContext        = 14
	opDestroyDomain         = 15
)

// IoctlClient implements Interface by issuing ioctls against an open
// privcmd-style device file descriptor.
type IoctlClient struct {
	fd uintptr
}

// NewIoctlClient wraps an already-open device file descriptor.
func NewIoctlClient(fd uintptr) *IoctlClient {
	return &IoctlClient{fd: fd}
}

// ioctl issues a single ioctl, retrying on EINTR the way kvm.Ioctl does.
func ioctl(fd, op uintptr, arg unsafe.Pointer) (uintptr, error) {
	for {
		ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return 0, fmt.Errorf("ioctl op=%d: %w", op, errno)
		}

		return ret, nil
	}
}

type platformInfoArg struct {
	Domain       uint32
	MaxMFN       uint64
	VirtualFloor uint64
	PagingLevels uint32
}

func (c *IoctlClient) Probe(_ context.Context, domID uint32) (PlatformInfo, error) {
	arg := platformInfoArg{Domain: domID}

	if _, err := ioctl(c.fd, opPlatformInfo, unsafe.Pointer(&arg)); err != nil {
		return PlatformInfo{}, fmt.Errorf("probe platform info: %w", err)
	}

	return PlatformInfo{
		MaxMFN:       pfn.MFN(arg.MaxMFN),
		VirtualFloor: arg.VirtualFloor,
		PagingLevels: uint(arg.PagingLevels),
	}, nil
}

type domainInfoArg struct {
	Domain          uint32
	SharedInfoFrame uint64
}

func (c *IoctlClient) GetDomainInfo(_ context.Context, domID uint32) (DomainInfo, error) {
	arg := domainInfoArg{Domain: domID}

	if _, err := ioctl(c.fd, opGetDomainInfo, unsafe.Pointer(&arg)); err != nil {
		return DomainInfo{}, fmt.Errorf("get domain info: %w", err)
	}

	return DomainInfo{SharedInfoFrame: pfn.MFN(arg.SharedInfoFrame)}, nil
}

type maxMemArg struct {
	Domain uint32
	KB     uint64
}

func (c *IoctlClient) SetMaxMem(_ context.Context, domID uint32, kb uint64) error {
	arg := maxMemArg{Domain: domID, KB: kb}

	_, err := ioctl(c.fd, opSetMaxMem, unsafe.Pointer(&arg))

	return err
}

type reservationArg struct {
	Domain uint32
	Pages  uint64
}

func (c *IoctlClient) IncreaseReservation(_ context.Context, domID uint32, pages uint64) error {
	arg := reservationArg{Domain: domID, Pages: pages}

	_, err := ioctl(c.fd, opIncreaseReservation, unsafe.Pointer(&arg))

	return err
}

type pfnListArg struct {
	Domain uint32
	N      uint64
	MFNs   unsafe.Pointer
}

func (c *IoctlClient) GetPFNList(_ context.Context, domID uint32, n uint64) ([]pfn.MFN, error) {
	out := make([]pfn.MFN, n)
	arg := pfnListArg{Domain: domID, N: n, MFNs: unsafe.Pointer(&out[0])}

	if _, err := ioctl(c.fd, opGetPFNList, unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("get pfn list: %w", err)
	}

	return out, nil
}

// mmapMapping is a Mapping backed by an mmap'd region; Release munmaps it.
type mmapMapping struct {
	data []byte
}

func (m *mmapMapping) Bytes() []byte { return m.data }

func (m *mmapMapping) Release() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	return err
}

type mapForeignBatchArg struct {
	Domain   uint32
	Writable uint32
	MFNs     unsafe.Pointer
	Count    uint64
	Base     unsafe.Pointer
}

func (c *IoctlClient) MapForeignBatch(
	_ context.Context, domID uint32, writable bool, mfns []pfn.MFN,
) (Mapping, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	size := len(mfns) * pfn.PageSize

	data, err := unix.Mmap(-1, 0, size, prot, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap foreign batch: %w", err)
	}

	arg := mapForeignBatchArg{
		Domain:   domID,
		Writable: boolToUint32(writable),
		MFNs:     unsafe.Pointer(&mfns[0]),
		Count:    uint64(len(mfns)),
		Base:     unsafe.Pointer(&data[0]),
	}

	if _, err := ioctl(c.fd, opMapForeignBatch, unsafe.Pointer(&arg)); err != nil {
		_ = unix.Munmap(data)

		return nil, fmt.Errorf("map foreign batch: %w", err)
	}

	return &mmapMapping{data: data}, nil
}

func (c *IoctlClient) MapForeignRange(
	ctx context.Context, domID uint32, writable bool, mfn pfn.MFN,
) (Mapping, error) {
	return c.MapForeignBatch(ctx, domID, writable, []pfn.MFN{mfn})
}

// ioctlMMUBatch implements MMUBatch by batching (mfn,pfn) updates and
// flushing them through opAddMMUUpdate/opFinishMMUUpdates, the same
// coalesce-then-flush shape as the source's xc_mmu_t.
type ioctlMMUBatch struct {
	client *IoctlClient
	domID  uint32
	pend   []mmuUpdate
}

type mmuUpdate struct {
	PTE uint64 // (mfn << PageShift) | MMU_MACHPHYS_UPDATE
	Val uint64 // pfn
}

const maxMMUBatch = 1024

func (c *IoctlClient) InitMMUUpdates(_ context.Context, domID uint32) (MMUBatch, error) {
	return &ioctlMMUBatch{client: c, domID: domID}, nil
}

func (b *ioctlMMUBatch) Enqueue(ctx context.Context, mfn pfn.MFN, p pfn.PFN) error {
	const machphysUpdate = 0 // MMU_MACHPHYS_UPDATE tag, carried in the low bits of PTE.

	b.pend = append(b.pend, mmuUpdate{
		PTE: uint64(mfn)<<pfn.PageShift | machphysUpdate,
		Val: uint64(p),
	})

	if len(b.pend) >= maxMMUBatch {
		return b.Flush(ctx)
	}

	return nil
}

type mmuUpdatesArg struct {
	Domain  uint32
	Count   uint64
	Updates unsafe.Pointer
}

func (b *ioctlMMUBatch) Flush(_ context.Context) error {
	if len(b.pend) == 0 {
		return nil
	}

	arg := mmuUpdatesArg{
		Domain:  b.domID,
		Count:   uint64(len(b.pend)),
		Updates: unsafe.Pointer(&b.pend[0]),
	}

	if _, err := ioctl(b.client.fd, opAddMMUUpdate, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("flush mmu updates: %w", err)
	}

	if _, err := ioctl(b.client.fd, opFinishMMUUpdates, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("finish mmu updates: %w", err)
	}

	b.pend = b.pend[:0]

	return nil
}

type makePageBelow4GArg struct {
	Domain uint32
	MFN    uint64
	NewMFN uint64
}

func (c *IoctlClient) MakePageBelow4G(_ context.Context, domID uint32, mfn pfn.MFN) (pfn.MFN, error) {
	arg := makePageBelow4GArg{Domain: domID, MFN: uint64(mfn)}

	if _, err := ioctl(c.fd, opMakePageBelow4G, unsafe.Pointer(&arg)); err != nil {
		return 0, fmt.Errorf("make page below 4G: %w", err)
	}

	return pfn.MFN(arg.NewMFN), nil
}

type mmuextOpArg struct {
	Domain uint32
	Count  uint64
	Ops    unsafe.Pointer
}

type rawPinOp struct {
	Cmd uint32
	MFN uint64
}

func (c *IoctlClient) Pin(_ context.Context, domID uint32, ops []PinOp) error {
	if len(ops) == 0 {
		return nil
	}

	raw := make([]rawPinOp, len(ops))
	for i, op := range ops {
		raw[i] = rawPinOp{Cmd: uint32(op.Command), MFN: uint64(op.MFN)}
	}

	arg := mmuextOpArg{Domain: domID, Count: uint64(len(raw)), Ops: unsafe.Pointer(&raw[0])}

	if _, err := ioctl(c.fd, opMMUExtOp, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("pin batch of %d page tables: %w", len(ops), err)
	}

	return nil
}

type decreaseReservationArg struct {
	Domain   uint32
	Count    uint64
	MFNs     unsafe.Pointer
	Released uint64
}

func (c *IoctlClient) DecreaseReservation(
	_ context.Context, domID uint32, mfns []pfn.MFN,
) (int, error) {
	if len(mfns) == 0 {
		return 0, nil
	}

	arg := decreaseReservationArg{
		Domain: domID,
		Count:  uint64(len(mfns)),
		MFNs:   unsafe.Pointer(&mfns[0]),
	}

	if _, err := ioctl(c.fd, opDecreaseReservation, unsafe.Pointer(&arg)); err != nil {
		return 0, fmt.Errorf("decrease reservation: %w", err)
	}

	return int(arg.Released), nil
}

type vcpuContextArg struct {
	Domain uint32
	VCPU   uint32
	Ctxt   unsafe.Pointer
	Len    uint64
}

func (c *IoctlClient) SetVCPUContext(_ context.Context, domID uint32, vcpu uint32, ctxt []byte) error {
	arg := vcpuContextArg{
		Domain: domID,
		VCPU:   vcpu,
		Ctxt:   unsafe.Pointer(&ctxt[0]),
		Len:    uint64(len(ctxt)),
	}

	_, err := ioctl(c.fd, opSetVCPUContext, unsafe.Pointer(&arg))

	return err
}

func (c *IoctlClient) DestroyDomain(_ context.Context, domID uint32) error {
	domain := domID

	_, err := ioctl(c.fd, opDestroyDomain, unsafe.Pointer(&domain))

	return err
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}
