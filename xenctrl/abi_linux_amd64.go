//go:build linux && amd64

package xenctrl

// ABI layouts below mirror the shapes dictated by xen/include/public and
// xen/include/public/arch-x86/xen.h for the amd64 (native word = uint64)
// ABI. Every struct here is a packed,
// fixed-size record handed to the kernel by pointer; none of them embed Go
// slices or strings.

// Hypercall op numbers (xen/include/public/xen.h).
const (
	hypervisorMmuUpdate      = 1
	hypervisorMemoryOp       = 12
	hypervisorMulticall      = 13
	hypervisorMmuextOp       = 26
	hypervisorEventChannelOp = 32
	hypervisorDomctl         = 36
	hypervisorXenVersion     = 17
)

// XENVER sub-op numbers (xen/include/public/version.h).
const xenverCapabilities = 3

// xenCapabilitiesInfo is xen_capabilities_info_t: a space-separated list of
// supported guest types, null-padded to a fixed size.
type xenCapabilitiesInfo struct {
	Capabilities [1024]byte
}

// hypercallDescriptor is privcmd_hypercall_t: op + five native-word args.
type hypercallDescriptor struct {
	Op  uint64
	Arg [5]uint64
}

// domctlPayloadSize is the fixed union area every xen_domctl_t carries,
// zero-padded when the active command doesn't use the full area so the
// kernel never observes garbage.
const domctlPayloadSize = 128

// domCtl is xen_domctl_t. The kernel may overwrite Payload in place (e.g.
// createdomain writes the assigned domid back into it).
type domCtl struct {
	Cmd       uint32
	Interface uint32
	Domain    uint32
	_pad0     uint32
	Payload   [domctlPayloadSize]byte
}

// MultiCallEntry is multicall_entry_t: op, result, six args. Caller-owned;
// results are written in place by the kernel.
type MultiCallEntry struct {
	Op     uint64
	Result int64
	Args   [6]uint64
}

// memoryReservation is xen_memory_reservation_t as used by
// XENMEM_populate_physmap and XENMEM_increase_reservation. ExtentStart is
// a guest-handle pointer to an extent_start/PFN array.
type memoryReservation struct {
	ExtentStart uint64
	NrExtents   uint64
	ExtentOrder uint32
	MemFlags    uint32
	Domid       uint16
	_pad        [6]byte
}

// memoryMapReq is xen_memory_map_t: Count is in/out, Buffer is a
// guest-handle pointer to the caller's entry buffer.
type memoryMapReq struct {
	Count  uint32
	_pad   uint32
	Buffer uint64
}

// mmapBatchV2 is privcmd_mmapbatch_v2_t.
type mmapBatchV2 struct {
	Num  uint32
	Dom  uint16
	_pad [2]byte
	Addr uint64
	MFN  uint64 // const xen_pfn_t *, in
	Err  uint64 // int *, out
}

// mmapResource is privcmd_mmap_resource_t.
type mmapResource struct {
	Dom        uint16
	_pad       [2]byte
	Type       uint32
	ID         uint32
	Idx        uint32
	NumEntries uint32
	Addr       uint64
}

// mmuExtOp is mmuext_op_t.
type mmuExtOp struct {
	Cmd  uint32
	_pad uint32
	Arg1 uint64
	Arg2 uint64
}

// evtChnAllocUnbound is evtchn_alloc_unbound_t.
type evtChnAllocUnbound struct {
	Dom       uint16
	RemoteDom uint16
	Port      uint32 // out
}

// evtChnClose is evtchn_close_t.
type evtChnClose struct {
	Port uint32
}

// EVTCHNOP sub-op numbers (xen/include/public/event_channel.h).
const (
	evtchnOpClose        = 3
	evtchnOpAllocUnbound = 6
)

// domctl command numbers (xen/include/public/domctl.h numbering scheme).
const (
	domctlCreateDomain      = 1
	domctlDestroyDomain     = 2
	domctlPauseDomain       = 3
	domctlUnpauseDomain     = 4
	domctlGetDomainInfo     = 5
	domctlGetVcpuContext    = 12
	domctlSetVcpuContext    = 13
	domctlMaxMem            = 28
	domctlSetAddressSize    = 51
	domctlHypercallInit     = 58
	domctlMaxVcpus          = 66
	domctlGetPageFrameInfo3 = 62
)

// XENMEM sub-op numbers (xen/include/public/memory.h).
const (
	xenmemIncreaseReservation = 0
	xenmemPopulatePhysmap     = 6
	xenmemMemoryMap           = 9
	xenmemClaimPages          = 24
)

// DomainInfoFlags bits (xen_domctl_getdomaininfo_t.flags).
const (
	DomInfDying    uint32 = 1 << 0
	DomInfHVM      uint32 = 1 << 1
	DomInfShutdown uint32 = 1 << 2
	DomInfPaused   uint32 = 1 << 3
	DomInfBlocked  uint32 = 1 << 4
	DomInfRunning  uint32 = 1 << 5
)

// GetDomainInfo is the decoded subset of xen_domctl_getdomaininfo_t this
// core exposes to callers.
type GetDomainInfo struct {
	Domid           uint32
	Flags           uint32
	TotPages        uint64
	MaxPages        uint64
	SharedInfoFrame uint64
	CPUTime         uint64
	NrOnlineVCPUs   uint32
	MaxVCPUID       uint32
	SSIDRef         uint32
	Handle          [16]byte
}

// getDomainInfoPayload is the wire layout overlaying domCtl.Payload for
// XEN_DOMCTL_getdomaininfo.
type getDomainInfoPayload struct {
	Domid           uint32
	Flags           uint32
	TotPages        uint64
	MaxPages        uint64
	SharedInfoFrame uint64
	CPUTime         uint64
	NrOnlineVCPUs   uint32
	MaxVCPUID       uint32
	SSIDRef         uint32
	Handle          [16]byte
}

// createDomainPayload overlays domCtl.Payload for XEN_DOMCTL_createdomain.
// The assigned domid is not part of this payload: the kernel reports it
// through the outer domCtl.Domain field on success.
type createDomainPayload struct {
	SSIDRef  uint32
	Handle   [16]byte
	Flags    uint32
	MaxVCPUs uint32
	_pad     uint32
}

// maxMemPayload overlays domCtl.Payload for XEN_DOMCTL_max_mem.
type maxMemPayload struct {
	MaxMemKB uint64
}

// maxVCPUsPayload overlays domCtl.Payload for XEN_DOMCTL_max_vcpus.
type maxVCPUsPayload struct {
	MaxVCPUs uint32
}

// addressSizePayload overlays domCtl.Payload for XEN_DOMCTL_set_address_size.
type addressSizePayload struct {
	Size uint32
}

// vcpuContextPayload overlays domCtl.Payload for get/set vcpucontext. Ctx
// is a guest-handle pointer to a caller-allocated VcpuGuestContext; the
// wrapper must keep that buffer alive across the call.
type vcpuContextPayload struct {
	VCPU uint32
	_pad uint32
	Ctx  uint64
}

// pageFrameInfoPayload overlays domCtl.Payload for getpageframeinfo3. Array
// is a guest-handle pointer to the caller's in/out MFN array.
type pageFrameInfoPayload struct {
	NumPFNs uint64
	Array   uint64
}

// hypercallInitPayload overlays domCtl.Payload for XEN_DOMCTL_hypercall_init.
type hypercallInitPayload struct {
	GMFN uint64
}

// VcpuGuestContextSize bounds the opaque per-arch vCPU context buffer this
// core hands the kernel. Real Xen's vcpu_guest_context_t is considerably
// larger and arch-specific; a fixed opaque buffer is sufficient here since
// the core never interprets the contents, only holds them live across the
// call.
const VcpuGuestContextSize = 512

// VcpuGuestContext is a caller-owned, kernel-opaque per-arch vCPU context
// buffer. Its address is threaded through a vcpuContextPayload.
type VcpuGuestContext struct {
	raw [VcpuGuestContextSize]byte
}

// Bytes exposes the raw context buffer for architecture-specific encoders
// layered above this package.
func (c *VcpuGuestContext) Bytes() []byte { return c.raw[:] }
