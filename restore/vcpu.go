package restore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TrapEntry is one slot of the 256-entry trap table (spec §4.K:
// "For every trap-context entry (256 entries): set vector = i; if the code
// selector has ring bits = 0, replace with the flat kernel CS").
type TrapEntry struct {
	Vector uint8
	Flags  uint8
	CS     uint16
}

// vmAssistPAEExtendedCR3 is the bit position of the PAE-extended-cr3
// virtualization-assist flag within VMAssist (spec glossary:
// "Extended-cr3 — Virtualization-assist flag indicating the guest
// tolerates L3 pages anywhere in machine-physical space").
const vmAssistPAEExtendedCR3 = 1 << 3

// gdtMaxEntries and gdtMaxFrames bound the GDT per spec §4.I/§4.K ("at
// most 8192 entries, so at most 16 frames").
const (
	gdtMaxEntries = 8192
	gdtMaxFrames  = 16
)

// ldtMaxEntries bounds the LDT per spec §4.K.
const ldtMaxEntries = 8192

// VCPUContext is the fixed-layout virtual-CPU context record (spec §6
// item 6). Only the fields the restore engine inspects or rewrites are
// modeled, with named fields since several components (tail fix-up,
// sanitizer) must read AND write specific sub-fields. The wire form is
// exactly these fields in declaration order (binary.Size of the struct);
// fields of the hypervisor's own context record that are not listed here
// are neither read from the stream nor submitted back.
type VCPUContext struct {
	UserRegsEDX        uint64 // suspend-record PFN (§4.I)
	CtrlReg            [8]uint64
	GDTFrames          [gdtMaxFrames]uint64
	GDTEnts            uint32
	LDTBase            uint64
	LDTEnts            uint32
	KernelSS           uint16
	EventCallbackCS    uint16 // 32-bit only
	FailsafeCallbackCS uint16 // 32-bit only
	VMAssist           uint64
	TrapCtxt           [256]TrapEntry
}

// CR3 returns control register 3.
func (c *VCPUContext) CR3() uint64 { return c.CtrlReg[3] }

// SetCR3 sets control register 3.
func (c *VCPUContext) SetCR3(v uint64) { c.CtrlReg[3] = v }

// HasExtendedCR3 reports whether the guest's vm_assist flags include
// PAE-extended-cr3.
func (c *VCPUContext) HasExtendedCR3() bool {
	return c.VMAssist&vmAssistPAEExtendedCR3 != 0
}

// vcpuContextSize is the fixed wire size of VCPUContext.
var vcpuContextSize = binary.Size(VCPUContext{})

// decodeVCPUContext parses a fixed-size byte record into a VCPUContext.
func decodeVCPUContext(raw []byte) (*VCPUContext, error) {
	if len(raw) != vcpuContextSize {
		return nil, fmt.Errorf("%w: vcpu context is %d bytes, want %d", ErrStreamInvalid, len(raw), vcpuContextSize)
	}

	var c VCPUContext
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &c); err != nil {
		return nil, fmt.Errorf("%w: decode vcpu context: %w", ErrStreamInvalid, err)
	}

	return &c, nil
}

// Encode serializes c back to its fixed-size wire form.
func (c *VCPUContext) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, vcpuContextSize))
	// binary.Write on a fixed-layout struct of fixed-size fields cannot
	// fail.
	_ = binary.Write(buf, binary.LittleEndian, c)

	return buf.Bytes()
}

// vcpuHasExtendedCR3 parses just the VMAssist flag out of a raw
// extended-info "vcpu" chunk payload, used early (before the domain is
// even allocated) to decide whether §4.G's PAE relocation pass applies.
// The payload may be an earlier/shorter snapshot than the final tail
// context; a payload shorter than the fixed size is not an error and
// simply reports false.
func vcpuHasExtendedCR3(raw []byte) bool {
	if len(raw) < vcpuContextSize {
		return false
	}

	c, err := decodeVCPUContext(raw[:vcpuContextSize])
	if err != nil {
		return false
	}

	return c.HasExtendedCR3()
}
