package restore

import "encoding/binary"

// Start-info and shared-info page layouts (spec §4.I, §6 item 7). Both are
// fixed-layout hypervisor ABI pages; as with VCPUContext, only the fields
// the tail fix-up actually reads or writes are given named offsets rather
// than a full byte-exact struct, since the rest of each page round-trips
// untouched.
const (
	startInfoNrPagesOff       = 32
	startInfoSharedInfoOff    = 40
	startInfoFlagsOff         = 48
	startInfoStoreMFNOff      = 56
	startInfoStoreEvtchnOff   = 64
	startInfoConsoleMFNOff    = 72
	startInfoConsoleEvtchnOff = 80
)

// sharedInfoPendingBitmapOff/Len bound the event-channel-pending bitmap;
// sharedInfoVCPU0PendingSelOff is VCPU 0's pending-selector word,
// immediately following it. Both are zeroed before the saved image is
// installed (§4.I).
const (
	sharedInfoPendingBitmapOff  = 0
	sharedInfoPendingBitmapLen  = 32
	sharedInfoVCPU0PendingSelOff = sharedInfoPendingBitmapOff + sharedInfoPendingBitmapLen
)

func writeStartInfo(page []byte, nrPages, sharedInfoMFN uint64, storeMFN, consoleMFN uint64, storeEvtchn, consoleEvtchn uint32) {
	binary.LittleEndian.PutUint64(page[startInfoNrPagesOff:], nrPages)
	binary.LittleEndian.PutUint64(page[startInfoSharedInfoOff:], sharedInfoMFN)
	binary.LittleEndian.PutUint32(page[startInfoFlagsOff:], 0)
	binary.LittleEndian.PutUint64(page[startInfoStoreMFNOff:], storeMFN)
	binary.LittleEndian.PutUint32(page[startInfoStoreEvtchnOff:], storeEvtchn)
	binary.LittleEndian.PutUint64(page[startInfoConsoleMFNOff:], consoleMFN)
	binary.LittleEndian.PutUint32(page[startInfoConsoleEvtchnOff:], consoleEvtchn)
}

// sanitizeSharedInfo zeroes the event-channel-pending bitmap and VCPU 0's
// pending-selector word in a saved shared-info image before it is written
// to the mapped frame, so the restored domain starts with no spuriously
// pending events.
func sanitizeSharedInfo(image []byte) {
	for i := 0; i < sharedInfoPendingBitmapLen; i++ {
		image[sharedInfoPendingBitmapOff+i] = 0
	}

	binary.LittleEndian.PutUint64(image[sharedInfoVCPU0PendingSelOff:], 0)
}
