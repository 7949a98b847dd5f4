//go:build linux && amd64

package xenctrl

import (
	"context"
	"unsafe"
)

// domctlRaw issues a single HYPERVISOR_domctl call at an explicit
// interface version, under the permit. The payload is copied in, and the
// (possibly kernel-mutated) payload is copied back out — domctls such as
// create_domain and get_domain_info report state back through this union.
func (g *CallGate) domctlRaw(ctx context.Context, version, cmd, domid uint32, payload *[domctlPayloadSize]byte) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	desc := domCtl{Cmd: cmd, Interface: version, Domain: domid}
	if payload != nil {
		desc.Payload = *payload
	}
	if _, err := g.hypercallLocked(hypervisorDomctl, [5]uint64{uint64(uintptr(unsafe.Pointer(&desc)))}); err != nil {
		return err
	}
	if payload != nil {
		*payload = desc.Payload
	}
	return nil
}

func (g *CallGate) domctl(ctx context.Context, cmd, domid uint32, payload *[domctlPayloadSize]byte) error {
	return g.domctlRaw(ctx, g.version, cmd, domid, payload)
}

// probeGetDomainInfo issues a read-only GETDOMAININFO at a candidate
// version during Open's negotiation loop. It must not mutate
// hypervisor-visible state beyond the query itself, which GETDOMAININFO
// satisfies by construction.
func (g *CallGate) probeGetDomainInfo(version, domid uint32) (GetDomainInfo, error) {
	var payload [domctlPayloadSize]byte
	if err := g.domctlRaw(context.Background(), version, domctlGetDomainInfo, domid, &payload); err != nil {
		return GetDomainInfo{}, err
	}
	return decodeGetDomainInfo(payload), nil
}

// GetDomainInfo issues XEN_DOMCTL_getdomaininfo for domid.
func (g *CallGate) GetDomainInfo(ctx context.Context, domid uint32) (GetDomainInfo, error) {
	var payload [domctlPayloadSize]byte
	if err := g.domctl(ctx, domctlGetDomainInfo, domid, &payload); err != nil {
		return GetDomainInfo{}, err
	}
	return decodeGetDomainInfo(payload), nil
}

func decodeGetDomainInfo(payload [domctlPayloadSize]byte) GetDomainInfo {
	p := (*getDomainInfoPayload)(unsafe.Pointer(&payload[0]))
	return GetDomainInfo{
		Domid:           p.Domid,
		Flags:           p.Flags,
		TotPages:        p.TotPages,
		MaxPages:        p.MaxPages,
		SharedInfoFrame: p.SharedInfoFrame,
		CPUTime:         p.CPUTime,
		NrOnlineVCPUs:   p.NrOnlineVCPUs,
		MaxVCPUID:       p.MaxVCPUID,
		SSIDRef:         p.SSIDRef,
		Handle:          p.Handle,
	}
}

// CreateDomain issues XEN_DOMCTL_createdomain and returns the domid the
// hypervisor assigned.
func (g *CallGate) CreateDomain(ctx context.Context, ssidref uint32, maxVCPUs uint32, flags uint32) (uint32, error) {
	var payload [domctlPayloadSize]byte
	p := (*createDomainPayload)(unsafe.Pointer(&payload[0]))
	p.SSIDRef = ssidref
	p.MaxVCPUs = maxVCPUs
	p.Flags = flags

	// Domain 0 in the request means "assign a new domid"; the hypervisor
	// reports the assignment back through the descriptor's Domain field.
	if err := g.domctlWithAssignedDomid(ctx, domctlCreateDomain, &payload); err != nil {
		return 0, err
	}
	return g.lastAssignedDomid, nil
}

// domctlWithAssignedDomid is a thin variant of domctl that also captures
// the Domain field the kernel wrote back, used only by CreateDomain.
func (g *CallGate) domctlWithAssignedDomid(ctx context.Context, cmd uint32, payload *[domctlPayloadSize]byte) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	desc := domCtl{Cmd: cmd, Interface: g.version, Domain: 0}
	if payload != nil {
		desc.Payload = *payload
	}
	if _, err := g.hypercallLocked(hypervisorDomctl, [5]uint64{uint64(uintptr(unsafe.Pointer(&desc)))}); err != nil {
		return err
	}
	if payload != nil {
		*payload = desc.Payload
	}
	g.lastAssignedDomid = desc.Domain
	return nil
}

// DestroyDomain issues XEN_DOMCTL_destroydomain.
func (g *CallGate) DestroyDomain(ctx context.Context, domid uint32) error {
	return g.domctl(ctx, domctlDestroyDomain, domid, nil)
}

// PauseDomain issues XEN_DOMCTL_pausedomain.
func (g *CallGate) PauseDomain(ctx context.Context, domid uint32) error {
	return g.domctl(ctx, domctlPauseDomain, domid, nil)
}

// UnpauseDomain issues XEN_DOMCTL_unpausedomain.
func (g *CallGate) UnpauseDomain(ctx context.Context, domid uint32) error {
	return g.domctl(ctx, domctlUnpauseDomain, domid, nil)
}

// SetMaxMem issues XEN_DOMCTL_max_mem with a new maximum in kB.
func (g *CallGate) SetMaxMem(ctx context.Context, domid uint32, maxMemKB uint64) error {
	var payload [domctlPayloadSize]byte
	p := (*maxMemPayload)(unsafe.Pointer(&payload[0]))
	p.MaxMemKB = maxMemKB
	return g.domctl(ctx, domctlMaxMem, domid, &payload)
}

// SetMaxVCPUs issues XEN_DOMCTL_max_vcpus.
func (g *CallGate) SetMaxVCPUs(ctx context.Context, domid uint32, maxVCPUs uint32) error {
	var payload [domctlPayloadSize]byte
	p := (*maxVCPUsPayload)(unsafe.Pointer(&payload[0]))
	p.MaxVCPUs = maxVCPUs
	return g.domctl(ctx, domctlMaxVcpus, domid, &payload)
}

// SetAddressSize issues XEN_DOMCTL_set_address_size (bits: 32 or 64).
func (g *CallGate) SetAddressSize(ctx context.Context, domid uint32, bits uint32) error {
	var payload [domctlPayloadSize]byte
	p := (*addressSizePayload)(unsafe.Pointer(&payload[0]))
	p.Size = bits
	return g.domctl(ctx, domctlSetAddressSize, domid, &payload)
}

// GetVcpuContext issues XEN_DOMCTL_getvcpucontext. ctxBuf must outlive the
// call — the caller owns it and this method blocks until the hypercall
// returns, so that's automatic.
func (g *CallGate) GetVcpuContext(ctx context.Context, domid uint32, vcpu uint32, ctxBuf *VcpuGuestContext) error {
	var payload [domctlPayloadSize]byte
	p := (*vcpuContextPayload)(unsafe.Pointer(&payload[0]))
	p.VCPU = vcpu
	p.Ctx = uint64(uintptr(unsafe.Pointer(&ctxBuf.raw[0])))
	return g.domctl(ctx, domctlGetVcpuContext, domid, &payload)
}

// SetVcpuContext issues XEN_DOMCTL_setvcpucontext.
func (g *CallGate) SetVcpuContext(ctx context.Context, domid uint32, vcpu uint32, ctxBuf *VcpuGuestContext) error {
	var payload [domctlPayloadSize]byte
	p := (*vcpuContextPayload)(unsafe.Pointer(&payload[0]))
	p.VCPU = vcpu
	p.Ctx = uint64(uintptr(unsafe.Pointer(&ctxBuf.raw[0])))
	return g.domctl(ctx, domctlSetVcpuContext, domid, &payload)
}

// GetPageFrameInfo issues XEN_DOMCTL_getpageframeinfo3 over a caller-owned,
// in/out MFN array.
func (g *CallGate) GetPageFrameInfo(ctx context.Context, domid uint32, mfns []uint64) error {
	if len(mfns) == 0 {
		return nil
	}
	var payload [domctlPayloadSize]byte
	p := (*pageFrameInfoPayload)(unsafe.Pointer(&payload[0]))
	p.NumPFNs = uint64(len(mfns))
	p.Array = uint64(uintptr(unsafe.Pointer(&mfns[0])))
	return g.domctl(ctx, domctlGetPageFrameInfo3, domid, &payload)
}

// HypercallPageInit issues XEN_DOMCTL_hypercall_init, instructing the
// hypervisor to write its hypercall trampoline page at guest MFN gmfn.
func (g *CallGate) HypercallPageInit(ctx context.Context, domid uint32, gmfn uint64) error {
	var payload [domctlPayloadSize]byte
	p := (*hypercallInitPayload)(unsafe.Pointer(&payload[0]))
	p.GMFN = gmfn
	return g.domctl(ctx, domctlHypercallInit, domid, &payload)
}
