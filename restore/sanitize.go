package restore

import (
	"fmt"

	"github.com/restorevm/xenrestore/pfn"
)

// selectorRing extracts the requested privilege level (ring) bits of a
// segment selector.
func selectorRing(sel uint16) uint16 { return sel & 0x3 }

// sanitizeContext implements component K. It rewrites fields the save side
// cannot be trusted to hand back safely, then validates the LDT
// description is one the hypervisor will accept. guestIs32Bit selects
// whether the event-callback/failsafe-callback CS fields also get the
// zero-ring replacement (§4.K: "On 32-bit: ... get the same treatment").
func sanitizeContext(ctxt *VCPUContext, virtualFloor uint64, flatKernelCS, flatKernelDS uint16, guestIs32Bit bool) error {
	for i := range ctxt.TrapCtxt {
		ctxt.TrapCtxt[i].Vector = uint8(i)

		if selectorRing(ctxt.TrapCtxt[i].CS) == 0 {
			ctxt.TrapCtxt[i].CS = flatKernelCS
		}
	}

	if selectorRing(ctxt.KernelSS) == 0 {
		ctxt.KernelSS = flatKernelDS
	}

	if guestIs32Bit {
		if selectorRing(ctxt.EventCallbackCS) == 0 {
			ctxt.EventCallbackCS = flatKernelCS
		}

		if selectorRing(ctxt.FailsafeCallbackCS) == 0 {
			ctxt.FailsafeCallbackCS = flatKernelCS
		}
	}

	return validateLDT(ctxt, virtualFloor)
}

const ldtEntrySize = 8

func validateLDT(ctxt *VCPUContext, virtualFloor uint64) error {
	if ctxt.LDTBase%pfn.PageSize != 0 {
		return fmt.Errorf("%w: ldt base 0x%x is not page-aligned", ErrLDTInvalid, ctxt.LDTBase)
	}

	if ctxt.LDTEnts > ldtMaxEntries {
		return fmt.Errorf("%w: ldt entry count %d exceeds %d", ErrLDTInvalid, ctxt.LDTEnts, ldtMaxEntries)
	}

	if ctxt.LDTBase >= virtualFloor {
		return fmt.Errorf("%w: ldt base 0x%x at or above virtual floor 0x%x", ErrLDTInvalid, ctxt.LDTBase, virtualFloor)
	}

	end := ctxt.LDTBase + uint64(ctxt.LDTEnts)*ldtEntrySize
	if end >= virtualFloor {
		return fmt.Errorf("%w: ldt end 0x%x at or above virtual floor 0x%x", ErrLDTInvalid, end, virtualFloor)
	}

	return nil
}
