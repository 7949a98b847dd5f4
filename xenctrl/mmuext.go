//go:build linux && amd64

package xenctrl

import (
	"context"
	"unsafe"
)

// MmuExtOp wraps a single mmuext_op and issues HYPERVISOR_mmuext_op with
// a one-element op vector targeting domid. The signed return is discarded
// on success; only a kernel error is surfaced.
func (g *CallGate) MmuExtOp(ctx context.Context, domid uint32, cmd uint32, arg1, arg2 uint64) error {
	op := mmuExtOp{Cmd: cmd, Arg1: arg1, Arg2: arg2}
	_, err := g.hypercall(ctx, hypervisorMmuextOp, [5]uint64{
		uint64(uintptr(unsafe.Pointer(&op))),
		1,
		0,
		uint64(domid),
	})
	return err
}
