//go:build linux && amd64

package xenctrl

import (
	"context"
	"unsafe"
)

// EventChannelOp is a thin wrapper over HYPERVISOR_event_channel_op for an
// arbitrary sub-op and argument pointer.
func (g *CallGate) EventChannelOp(ctx context.Context, subOp uint64, arg unsafe.Pointer) (int64, error) {
	return g.hypercall(ctx, hypervisorEventChannelOp, [5]uint64{subOp, uint64(uintptr(arg))})
}

// AllocUnbound allocates an unbound event channel port on localDomid for
// remoteDomid to bind to.
func (g *CallGate) AllocUnbound(ctx context.Context, localDomid, remoteDomid uint32) (uint32, error) {
	req := evtChnAllocUnbound{
		Dom:       uint16(localDomid),
		RemoteDom: uint16(remoteDomid),
	}
	if _, err := g.EventChannelOp(ctx, evtchnOpAllocUnbound, unsafe.Pointer(&req)); err != nil {
		return 0, err
	}
	return req.Port, nil
}

// CloseEventChannel closes a previously allocated event channel port.
func (g *CallGate) CloseEventChannel(ctx context.Context, port uint32) error {
	req := evtChnClose{Port: port}
	_, err := g.EventChannelOp(ctx, evtchnOpClose, unsafe.Pointer(&req))
	return err
}
