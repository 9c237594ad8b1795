package restore

import (
	"errors"
	"testing"
)

const (
	testFlatKernelCS = 0xe033
	testFlatKernelDS = 0xe02b
	testVirtualFloor = 0xf0000000
)

// TestSanitizeContext is S5: a zero-ring trap CS and kernel_ss get
// replaced with the flat kernel selectors, and every trap entry's vector
// is rewritten to its index.
func TestSanitizeContext(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.TrapCtxt[13].CS = 0
	ctxt.KernelSS = 0

	if err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false); err != nil {
		t.Fatalf("sanitizeContext: %v", err)
	}

	if ctxt.TrapCtxt[13].Vector != 13 {
		t.Errorf("trap_ctxt[13].Vector = %d, want 13", ctxt.TrapCtxt[13].Vector)
	}

	if ctxt.TrapCtxt[13].CS != testFlatKernelCS {
		t.Errorf("trap_ctxt[13].CS = 0x%x, want 0x%x", ctxt.TrapCtxt[13].CS, testFlatKernelCS)
	}

	if ctxt.KernelSS != testFlatKernelDS {
		t.Errorf("KernelSS = 0x%x, want 0x%x", ctxt.KernelSS, testFlatKernelDS)
	}
}

// TestSanitizeContextPreservesNonZeroRingSelectors confirms a selector
// that already carries a non-zero ring is left untouched.
func TestSanitizeContextPreservesNonZeroRingSelectors(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.TrapCtxt[1].CS = 0x0073 // ring 3

	if err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false); err != nil {
		t.Fatalf("sanitizeContext: %v", err)
	}

	if ctxt.TrapCtxt[1].CS != 0x0073 {
		t.Errorf("trap_ctxt[1].CS = 0x%x, want unchanged 0x0073", ctxt.TrapCtxt[1].CS)
	}
}

// TestSanitizeContextLDTRejection is S6: an unaligned LDT base is fatal.
func TestSanitizeContextLDTRejection(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.LDTBase = 0x1001
	ctxt.LDTEnts = 1

	err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false)
	if !errors.Is(err, ErrLDTInvalid) {
		t.Fatalf("sanitizeContext error = %v, want ErrLDTInvalid", err)
	}
}

func TestSanitizeContextLDTEntryCountRejection(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.LDTBase = 0x1000
	ctxt.LDTEnts = ldtMaxEntries + 1

	err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false)
	if !errors.Is(err, ErrLDTInvalid) {
		t.Fatalf("sanitizeContext error = %v, want ErrLDTInvalid", err)
	}
}

func TestSanitizeContextLDTAboveFloorRejection(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.LDTBase = testVirtualFloor
	ctxt.LDTEnts = 1

	err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false)
	if !errors.Is(err, ErrLDTInvalid) {
		t.Fatalf("sanitizeContext error = %v, want ErrLDTInvalid", err)
	}
}

func TestSanitizeContextValidLDTAccepted(t *testing.T) {
	t.Parallel()

	var ctxt VCPUContext
	ctxt.LDTBase = 0x2000
	ctxt.LDTEnts = 4

	if err := sanitizeContext(&ctxt, testVirtualFloor, testFlatKernelCS, testFlatKernelDS, false); err != nil {
		t.Fatalf("sanitizeContext: %v, want nil", err)
	}
}
