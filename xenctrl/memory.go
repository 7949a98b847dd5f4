//go:build linux && amd64

package xenctrl

import (
	"context"
	"runtime"
	"unsafe"
)

// GetMemoryMap runs the memory-map query's two-call protocol: an
// initial call with a zero-initialized request to learn the entry count,
// then a second call with a caller buffer sized to hold that many entries.
// The returned bytes are undecoded — callers interpret entries per their
// architecture's E820-equivalent layout.
func (g *CallGate) GetMemoryMap(ctx context.Context, entrySize int) ([]byte, error) {
	var probe memoryMapReq
	if _, err := g.memoryOp(ctx, xenmemMemoryMap, unsafe.Pointer(&probe)); err != nil {
		return nil, err
	}

	buf := make([]byte, int(probe.Count)*entrySize)
	req := memoryMapReq{Count: probe.Count}
	if len(buf) > 0 {
		req.Buffer = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	if _, err := g.memoryOp(ctx, xenmemMemoryMap, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	return buf[:int(req.Count)*entrySize], nil
}

func (g *CallGate) memoryOp(ctx context.Context, subOp uint64, arg unsafe.Pointer) (int64, error) {
	return g.hypercall(ctx, hypervisorMemoryOp, [5]uint64{subOp, uint64(uintptr(arg))})
}

// PopulatePhysmap populates physmap entries for domid using the supplied
// extent start hints. It goes through a multicall because the kernel's
// direct path can reject out-of-range returns. The input slice is cloned
// before the call so the caller's buffer is never observed-mutated; the
// returned slice is truncated to the multicall result, which is both the
// count of successfully populated extents and at most the input length.
func (g *CallGate) PopulatePhysmap(ctx context.Context, domid uint32, extentOrder uint32, extentStarts []uint64) ([]uint64, error) {
	work := make([]uint64, len(extentStarts))
	copy(work, extentStarts)

	reservation := memoryReservation{
		NrExtents:   uint64(len(work)),
		ExtentOrder: extentOrder,
		Domid:       uint16(domid),
	}
	if len(work) > 0 {
		reservation.ExtentStart = uint64(uintptr(unsafe.Pointer(&work[0])))
	}

	entries := []MultiCallEntry{{
		Op:   hypervisorMemoryOp,
		Args: [6]uint64{xenmemPopulatePhysmap, uint64(uintptr(unsafe.Pointer(&reservation)))},
	}}
	// The multicall entry and the reservation reach the device only as bare
	// addresses; pinning keeps them off the goroutine stack, so a stack move
	// during the call cannot strand the result the device writes back.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&entries[0])
	pinner.Pin(&reservation)
	if err := g.Multicall(ctx, entries); err != nil {
		return nil, err
	}

	result := entries[0].Result
	// A negative errno comes back encoded as an unsigned value whose high
	// bits are all ones: result > ^0xfff as uint64.
	if uint64(result) > ^uint64(0xfff) || result > int64(len(work)) {
		return nil, newError(ErrPopulatePhysmapFailed, "populate_physmap", domid, 0,
			"multicall result out of range", nil)
	}
	return work[:result], nil
}

// ClaimPages issues XENMEM_claim_pages: a reservation request carrying
// only nr_extents and the target domid.
func (g *CallGate) ClaimPages(ctx context.Context, domid uint32, nrExtents uint64) error {
	reservation := memoryReservation{
		NrExtents: nrExtents,
		Domid:     uint16(domid),
	}
	_, err := g.memoryOp(ctx, xenmemClaimPages, unsafe.Pointer(&reservation))
	return err
}
