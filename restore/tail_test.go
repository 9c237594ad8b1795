package restore

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/restorevm/xenrestore/pfn"
)

func newTailTestRestore(hv *fakeHypervisor) *Restore {
	return &Restore{
		opts: Options{DomainID: 1, MaxPFN: 4, StoreEvtchn: 10, ConsoleEvtchn: 11},
		hv:   hv,
		platform: hv.platform,
		p2m:  []pfn.MFN{100, 101, 102, 103},
		pfnType: []pfn.TypeCode{
			{Level: pfn.NOTAB},
			{Level: pfn.NOTAB},
			{Level: pfn.L4},
			{Level: pfn.NOTAB},
		},
	}
}

func TestTranslateSuspendRecord(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.UserRegsEDX = 0 // pfn 0, NOTAB

	mfn, err := r.translateSuspendRecord(&ctxt)
	if err != nil {
		t.Fatalf("translateSuspendRecord: %v", err)
	}

	if mfn != r.p2m[0] {
		t.Errorf("mfn = %d, want %d", mfn, r.p2m[0])
	}

	if ctxt.UserRegsEDX != uint64(r.p2m[0]) {
		t.Errorf("UserRegsEDX = %d, want %d", ctxt.UserRegsEDX, r.p2m[0])
	}
}

func TestTranslateSuspendRecordRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.UserRegsEDX = 99

	if _, err := r.translateSuspendRecord(&ctxt); !errors.Is(err, ErrStreamInvalid) {
		t.Fatalf("err = %v, want ErrStreamInvalid", err)
	}
}

func TestTranslateSuspendRecordRejectsPageTablePFN(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.UserRegsEDX = 2 // pfn 2 is L4, not NOTAB

	if _, err := r.translateSuspendRecord(&ctxt); !errors.Is(err, ErrStreamInvalid) {
		t.Fatalf("err = %v, want ErrStreamInvalid", err)
	}
}

func TestTranslateGDTFrames(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.GDTEnts = 1 // one descriptor, fits in frame 0
	ctxt.GDTFrames[0] = 1 // pfn 1, NOTAB

	if err := r.translateGDTFrames(&ctxt); err != nil {
		t.Fatalf("translateGDTFrames: %v", err)
	}

	if ctxt.GDTFrames[0] != uint64(r.p2m[1]) {
		t.Errorf("GDTFrames[0] = %d, want %d", ctxt.GDTFrames[0], r.p2m[1])
	}
}

func TestTranslateGDTFramesRejectsTooManyEntries(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.GDTEnts = gdtMaxEntries + 1

	if err := r.translateGDTFrames(&ctxt); !errors.Is(err, ErrStreamInvalid) {
		t.Fatalf("err = %v, want ErrStreamInvalid", err)
	}
}

func TestTranslatePageTableRoot(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.SetCR3(uint64(2)<<pfn.PageShift | 0x1) // pfn 2, L4, with a flag bit set

	if err := r.translatePageTableRoot(&ctxt); err != nil {
		t.Fatalf("translatePageTableRoot: %v", err)
	}

	wantCR3 := uint64(r.p2m[2])<<pfn.PageShift | 0x1
	if ctxt.CR3() != wantCR3 {
		t.Errorf("CR3() = 0x%x, want 0x%x", ctxt.CR3(), wantCR3)
	}
}

func TestTranslatePageTableRootRejectsWrongLevel(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	var ctxt VCPUContext
	ctxt.SetCR3(uint64(0) << pfn.PageShift) // pfn 0 is NOTAB, not L4

	if err := r.translatePageTableRoot(&ctxt); !errors.Is(err, ErrStreamInvalid) {
		t.Fatalf("err = %v, want ErrStreamInvalid", err)
	}
}

func TestTranslateP2MFrameList(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	list := []uint64{0, 1, 3}

	if err := r.translateP2MFrameList(list); err != nil {
		t.Fatalf("translateP2MFrameList: %v", err)
	}

	want := []uint64{uint64(r.p2m[0]), uint64(r.p2m[1]), uint64(r.p2m[3])}
	for i := range list {
		if list[i] != want[i] {
			t.Errorf("list[%d] = %d, want %d", i, list[i], want[i])
		}
	}
}

func TestFixupStartInfo(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	const startInfoMFN = pfn.MFN(500)

	page := hv.page(startInfoMFN)
	binary.LittleEndian.PutUint64(page[startInfoStoreMFNOff:], 0)   // pfn 0
	binary.LittleEndian.PutUint64(page[startInfoConsoleMFNOff:], 1) // pfn 1

	storeMFN, consoleMFN, err := r.fixupStartInfo(context.Background(), startInfoMFN)
	if err != nil {
		t.Fatalf("fixupStartInfo: %v", err)
	}

	if storeMFN != r.p2m[0] {
		t.Errorf("storeMFN = %d, want %d", storeMFN, r.p2m[0])
	}

	if consoleMFN != r.p2m[1] {
		t.Errorf("consoleMFN = %d, want %d", consoleMFN, r.p2m[1])
	}

	got := hv.page(startInfoMFN)

	if got := binary.LittleEndian.Uint64(got[startInfoStoreMFNOff:]); got != uint64(storeMFN) {
		t.Errorf("written store_mfn = %d, want %d", got, storeMFN)
	}

	if gotEvt := binary.LittleEndian.Uint32(got[startInfoStoreEvtchnOff:]); gotEvt != r.opts.StoreEvtchn {
		t.Errorf("written store evtchn = %d, want %d", gotEvt, r.opts.StoreEvtchn)
	}
}

func TestFixupSharedInfoZeroesPendingState(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	image := make([]byte, pfn.PageSize)
	for i := range image[:sharedInfoPendingBitmapLen] {
		image[i] = 0xff
	}

	binary.LittleEndian.PutUint64(image[sharedInfoVCPU0PendingSelOff:], 0xdeadbeef)

	if err := r.fixupSharedInfo(context.Background(), image); err != nil {
		t.Fatalf("fixupSharedInfo: %v", err)
	}

	installed := hv.page(hv.domInfo.SharedInfoFrame)

	for i := 0; i < sharedInfoPendingBitmapLen; i++ {
		if installed[i] != 0 {
			t.Fatalf("installed pending bitmap[%d] = %d, want 0", i, installed[i])
		}
	}

	if sel := binary.LittleEndian.Uint64(installed[sharedInfoVCPU0PendingSelOff:]); sel != 0 {
		t.Errorf("installed vcpu0 pending selector = %d, want 0", sel)
	}
}

func TestCopyLiveP2M(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor(4)
	r := newTailTestRestore(hv)

	p2mFrameList := []uint64{uint64(hv.nextMFN)}
	hv.page(hv.nextMFN)

	if err := r.copyLiveP2M(context.Background(), p2mFrameList); err != nil {
		t.Fatalf("copyLiveP2M: %v", err)
	}

	installed := hv.page(hv.nextMFN)

	for p := 0; p < len(r.p2m); p++ {
		got := binary.LittleEndian.Uint64(installed[p*8:])
		if got != uint64(r.p2m[p]) {
			t.Errorf("live p2m[%d] = %d, want %d", p, got, r.p2m[p])
		}
	}
}
