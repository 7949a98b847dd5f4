//go:build linux && amd64

package xenctrl

import (
	"context"
	"syscall"
	"testing"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

// fakeCommandDevice answers ioctls by decoding the same in-process
// structures the real osCommandDevice would hand to the kernel, letting
// tests script per-command responses without a real hypervisor.
type fakeCommandDevice struct {
	domctlHandler       func(d *domCtl) syscall.Errno
	multicallHandler    func(entries []MultiCallEntry) syscall.Errno
	hypercallHandler    func(desc *hypercallDescriptor) syscall.Errno
	mmapBatchHandler    func(req *mmapBatchV2) syscall.Errno
	mmapResourceHandler func(req *mmapResource) syscall.Errno

	ioctlCalls []uintptr
	domctlCmds []uint32
	closed     bool
}

func (f *fakeCommandDevice) Ioctl(req uintptr, arg unsafe.Pointer) (uintptr, syscall.Errno) {
	f.ioctlCalls = append(f.ioctlCalls, req)
	switch req {
	case ioctlPrivcmdHypercall:
		desc := (*hypercallDescriptor)(arg)
		switch desc.Op {
		case hypervisorDomctl:
			d := (*domCtl)(unsafe.Pointer(uintptr(desc.Arg[0])))
			f.domctlCmds = append(f.domctlCmds, d.Cmd)
			if f.domctlHandler == nil {
				return 0, syscall.ENOSYS
			}
			return 0, f.domctlHandler(d)
		case hypervisorMulticall:
			ptr := uintptr(desc.Arg[0])
			count := int(desc.Arg[1])
			entries := unsafe.Slice((*MultiCallEntry)(unsafe.Pointer(ptr)), count)
			if f.multicallHandler == nil {
				return 0, syscall.ENOSYS
			}
			return 0, f.multicallHandler(entries)
		default:
			if f.hypercallHandler == nil {
				return 0, syscall.ENOSYS
			}
			return 0, f.hypercallHandler(desc)
		}
	case ioctlPrivcmdMmapBatchV2:
		r := (*mmapBatchV2)(arg)
		if f.mmapBatchHandler == nil {
			return 0, syscall.ENOSYS
		}
		return 0, f.mmapBatchHandler(r)
	case ioctlPrivcmdMmapResource:
		r := (*mmapResource)(arg)
		if f.mmapResourceHandler == nil {
			return 0, syscall.ENOSYS
		}
		return 0, f.mmapResourceHandler(r)
	default:
		return 0, syscall.ENOSYS
	}
}

func (f *fakeCommandDevice) Mmap(length int, prot, flags int) (uintptr, error) {
	return 0x1000, nil
}

func (f *fakeCommandDevice) Munmap(addr uintptr, length int) error { return nil }

func (f *fakeCommandDevice) Fd() uintptr { return 42 }

func (f *fakeCommandDevice) Close() error {
	f.closed = true
	return nil
}

func newGateWithFake(fake *fakeCommandDevice) *CallGate {
	return &CallGate{
		dev:    fake,
		permit: semaphore.NewWeighted(1),
	}
}

// TestOpenNegotiatesVersion drives the negotiation loop against a device
// that answers GETDOMAININFO success only at v=15.
func TestOpenNegotiatesVersion(t *testing.T) {
	probedVersions := []uint32{}
	fake := &fakeCommandDevice{
		domctlHandler: func(d *domCtl) syscall.Errno {
			probedVersions = append(probedVersions, d.Interface)
			if d.Cmd != domctlGetDomainInfo {
				t.Fatalf("expected only GETDOMAININFO probes, got cmd %d", d.Cmd)
			}
			if d.Interface == 15 {
				return 0
			}
			return syscall.ENOSYS
		},
	}

	gate, err := newCallGate(fake, 0, 10, 18, nil)
	if err != nil {
		t.Fatalf("newCallGate: %v", err)
	}
	if gate.Version() != 15 {
		t.Fatalf("expected negotiated version 15, got %d", gate.Version())
	}
	if len(probedVersions) != 6 {
		t.Fatalf("expected probes 10..15, got %v", probedVersions)
	}
	for _, v := range probedVersions {
		if v > 15 {
			t.Fatalf("probed past the first successful version: %v", probedVersions)
		}
	}
}

// TestOpenVersionUnsupported covers the negotiation failure path: no
// version in [MIN,MAX] answers, construction fails, and the device handle
// is released.
func TestOpenVersionUnsupported(t *testing.T) {
	fake := &fakeCommandDevice{
		domctlHandler: func(d *domCtl) syscall.Errno { return syscall.EACCES },
	}

	_, err := newCallGate(fake, 0, 10, 15, nil)
	if err == nil {
		t.Fatal("expected hypervisor-version-unsupported")
	}
	var xerr *Error
	if !asError(err, &xerr) || xerr.Kind != ErrVersionUnsupported {
		t.Fatalf("expected ErrVersionUnsupported, got %v", err)
	}
	if !fake.closed {
		t.Fatal("expected the command device to be closed on negotiation failure")
	}
}

// TestCreateDestroyDomain walks a domain through create, destroy, and a
// get_domain_info that must fail once the domain is gone.
func TestCreateDestroyDomain(t *testing.T) {
	const assignedDomid = 7
	destroyed := false
	fake := &fakeCommandDevice{
		domctlHandler: func(d *domCtl) syscall.Errno {
			switch d.Cmd {
			case domctlCreateDomain:
				d.Domain = assignedDomid
				return 0
			case domctlDestroyDomain:
				if d.Domain != assignedDomid {
					t.Fatalf("destroy targeted wrong domid: %d", d.Domain)
				}
				destroyed = true
				return 0
			case domctlGetDomainInfo:
				if destroyed {
					return syscall.ESRCH
				}
				return 0
			}
			return syscall.ENOSYS
		},
	}
	gate := newGateWithFake(fake)
	gate.version = 15

	domid, err := gate.CreateDomain(context.Background(), 0, 1, 0)
	if err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	if domid != assignedDomid {
		t.Fatalf("expected domid %d, got %d", assignedDomid, domid)
	}

	if err := gate.DestroyDomain(context.Background(), domid); err != nil {
		t.Fatalf("DestroyDomain: %v", err)
	}

	if _, err := gate.GetDomainInfo(context.Background(), domid); err == nil {
		t.Fatalf("expected get_domain_info on a destroyed domain to fail")
	}
}

// TestAllocUnboundCloseRoundTrip allocates an unbound port and closes it
// again through the event-channel op.
func TestAllocUnboundCloseRoundTrip(t *testing.T) {
	const port = 11
	closed := false
	fake := &fakeCommandDevice{
		hypercallHandler: func(desc *hypercallDescriptor) syscall.Errno {
			if desc.Op != hypervisorEventChannelOp {
				t.Fatalf("expected event_channel_op, got op %d", desc.Op)
			}
			switch desc.Arg[0] {
			case evtchnOpAllocUnbound:
				req := (*evtChnAllocUnbound)(unsafe.Pointer(uintptr(desc.Arg[1])))
				if req.Dom != 0 || req.RemoteDom != 5 {
					t.Fatalf("unexpected domids: %d/%d", req.Dom, req.RemoteDom)
				}
				req.Port = port
				return 0
			case evtchnOpClose:
				req := (*evtChnClose)(unsafe.Pointer(uintptr(desc.Arg[1])))
				if req.Port != port {
					t.Fatalf("close targeted wrong port: %d", req.Port)
				}
				closed = true
				return 0
			}
			t.Fatalf("unexpected evtchn subop %d", desc.Arg[0])
			return syscall.ENOSYS
		},
	}
	gate := newGateWithFake(fake)

	got, err := gate.AllocUnbound(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("AllocUnbound: %v", err)
	}
	if got != port {
		t.Fatalf("expected port %d, got %d", port, got)
	}

	if err := gate.CloseEventChannel(context.Background(), got); err != nil {
		t.Fatalf("CloseEventChannel: %v", err)
	}
	if !closed {
		t.Fatal("expected the close subop to reach the device")
	}
}

// TestSetMaxMemRoundTrip sets a new memory maximum and reads it back
// through get_domain_info.
func TestSetMaxMemRoundTrip(t *testing.T) {
	var maxKB uint64
	fake := &fakeCommandDevice{
		domctlHandler: func(d *domCtl) syscall.Errno {
			switch d.Cmd {
			case domctlMaxMem:
				maxKB = (*maxMemPayload)(unsafe.Pointer(&d.Payload[0])).MaxMemKB
				return 0
			case domctlGetDomainInfo:
				p := (*getDomainInfoPayload)(unsafe.Pointer(&d.Payload[0]))
				p.Domid = d.Domain
				p.MaxPages = maxKB / 4
				return 0
			}
			return syscall.ENOSYS
		},
	}
	gate := newGateWithFake(fake)

	if err := gate.SetMaxMem(context.Background(), 3, 8192); err != nil {
		t.Fatalf("SetMaxMem: %v", err)
	}
	info, err := gate.GetDomainInfo(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetDomainInfo: %v", err)
	}
	if info.MaxPages != 2048 {
		t.Fatalf("expected max_pages 2048 after set_max_mem, got %d", info.MaxPages)
	}
}

// TestPauseUnpauseRestoresFlag brackets pause/unpause with get_domain_info
// and checks the paused flag ends where it started.
func TestPauseUnpauseRestoresFlag(t *testing.T) {
	paused := false
	fake := &fakeCommandDevice{
		domctlHandler: func(d *domCtl) syscall.Errno {
			switch d.Cmd {
			case domctlPauseDomain:
				paused = true
				return 0
			case domctlUnpauseDomain:
				paused = false
				return 0
			case domctlGetDomainInfo:
				p := (*getDomainInfoPayload)(unsafe.Pointer(&d.Payload[0]))
				p.Domid = d.Domain
				if paused {
					p.Flags = DomInfPaused
				}
				return 0
			}
			return syscall.ENOSYS
		},
	}
	gate := newGateWithFake(fake)
	ctx := context.Background()

	before, err := gate.GetDomainInfo(ctx, 4)
	if err != nil {
		t.Fatalf("GetDomainInfo: %v", err)
	}

	if err := gate.PauseDomain(ctx, 4); err != nil {
		t.Fatalf("PauseDomain: %v", err)
	}
	mid, err := gate.GetDomainInfo(ctx, 4)
	if err != nil {
		t.Fatalf("GetDomainInfo: %v", err)
	}
	if mid.Flags&DomInfPaused == 0 {
		t.Fatal("expected the paused flag to be set while paused")
	}

	if err := gate.UnpauseDomain(ctx, 4); err != nil {
		t.Fatalf("UnpauseDomain: %v", err)
	}
	after, err := gate.GetDomainInfo(ctx, 4)
	if err != nil {
		t.Fatalf("GetDomainInfo: %v", err)
	}
	if after.Flags&DomInfPaused != before.Flags&DomInfPaused {
		t.Fatalf("paused flag not restored: before %#x, after %#x", before.Flags, after.Flags)
	}
}

func populatePhysmapMulticallHandler(result int64) func([]MultiCallEntry) syscall.Errno {
	return func(entries []MultiCallEntry) syscall.Errno {
		entries[0].Result = result
		return 0
	}
}

// TestPopulatePhysmapFull covers a multicall result equal to the input
// length: every extent comes back.
func TestPopulatePhysmapFull(t *testing.T) {
	fake := &fakeCommandDevice{multicallHandler: populatePhysmapMulticallHandler(4)}
	gate := newGateWithFake(fake)

	got, err := gate.PopulatePhysmap(context.Background(), 1, 0, []uint64{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("PopulatePhysmap: %v", err)
	}
	want := []uint64{0, 1, 2, 3}
	if !equalUint64(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestPopulatePhysmapPartial covers a short multicall result: the
// returned extents are truncated to it.
func TestPopulatePhysmapPartial(t *testing.T) {
	fake := &fakeCommandDevice{multicallHandler: populatePhysmapMulticallHandler(2)}
	gate := newGateWithFake(fake)

	got, err := gate.PopulatePhysmap(context.Background(), 1, 0, []uint64{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("PopulatePhysmap: %v", err)
	}
	want := []uint64{0, 1}
	if !equalUint64(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestPopulatePhysmapNegative covers a multicall result carrying a
// negative errno in unsigned form.
func TestPopulatePhysmapNegative(t *testing.T) {
	fake := &fakeCommandDevice{multicallHandler: populatePhysmapMulticallHandler(-1)}
	gate := newGateWithFake(fake)

	_, err := gate.PopulatePhysmap(context.Background(), 1, 0, []uint64{0, 1, 2, 3})
	if err == nil {
		t.Fatal("expected populate-physmap-failed")
	}
	var xerr *Error
	if !asError(err, &xerr) || xerr.Kind != ErrPopulatePhysmapFailed {
		t.Fatalf("expected ErrPopulatePhysmapFailed, got %v", err)
	}
}

// TestPopulatePhysmapDoesNotMutateCallerSlice checks the caller's slice
// is never written to by the call, even though the kernel's own buffer is
// updated in place.
func TestPopulatePhysmapDoesNotMutateCallerSlice(t *testing.T) {
	fake := &fakeCommandDevice{multicallHandler: populatePhysmapMulticallHandler(2)}
	gate := newGateWithFake(fake)

	input := []uint64{10, 20, 30, 40}
	if _, err := gate.PopulatePhysmap(context.Background(), 1, 0, input); err != nil {
		t.Fatalf("PopulatePhysmap: %v", err)
	}
	if !equalUint64(input, []uint64{10, 20, 30, 40}) {
		t.Fatalf("caller slice was mutated: %v", input)
	}
}

// TestMmapBatchPaging covers the paging slow path: an initial ENOENT with
// a two-entry paged-out run in the middle, resolved by one sub-batch
// retry.
func TestMmapBatchPaging(t *testing.T) {
	calls := 0
	fake := &fakeCommandDevice{
		mmapBatchHandler: func(req *mmapBatchV2) syscall.Errno {
			calls++
			errs := unsafe.Slice((*int32)(unsafe.Pointer(uintptr(req.Err))), req.Num)
			if calls == 1 {
				if req.Num != 4 {
					t.Fatalf("expected initial batch of 4, got %d", req.Num)
				}
				errs[0] = 0
				errs[1] = int32(syscall.ENOENT)
				errs[2] = int32(syscall.ENOENT)
				errs[3] = 0
				return syscall.ENOENT
			}
			// Retry of the length-2 middle run.
			if req.Num != 2 {
				t.Fatalf("expected retry batch of 2, got %d", req.Num)
			}
			errs[0] = 0
			errs[1] = 0
			return 0
		},
	}
	gate := newGateWithFake(fake)

	mfns := []uint64{100, 101, 102, 103}
	retries, err := gate.MmapBatch(context.Background(), 1, 0x1000, mfns)
	if err != nil {
		t.Fatalf("MmapBatch: %v", err)
	}
	if retries != 1 {
		t.Fatalf("expected 1 retry round, got %d", retries)
	}
	if calls != 2 {
		t.Fatalf("expected 2 ioctl calls, got %d", calls)
	}
}

// TestMmapBatchHardFailure ensures a non-ENOENT errno from the initial
// call aborts immediately with no retry.
func TestMmapBatchHardFailure(t *testing.T) {
	fake := &fakeCommandDevice{
		mmapBatchHandler: func(req *mmapBatchV2) syscall.Errno {
			return syscall.EINVAL
		},
	}
	gate := newGateWithFake(fake)

	_, err := gate.MmapBatch(context.Background(), 1, 0x1000, []uint64{1, 2})
	if err == nil {
		t.Fatal("expected mmap-batch-failed")
	}
	var xerr *Error
	if !asError(err, &xerr) || xerr.Kind != ErrMmapBatchFailed {
		t.Fatalf("expected ErrMmapBatchFailed, got %v", err)
	}
}

// TestMmapBatchNoProgressStopsSpinning: a batch whose every entry stays
// ENOENT must terminate rather than spin forever.
func TestMmapBatchNoProgressStopsSpinning(t *testing.T) {
	calls := 0
	fake := &fakeCommandDevice{
		mmapBatchHandler: func(req *mmapBatchV2) syscall.Errno {
			calls++
			errs := unsafe.Slice((*int32)(unsafe.Pointer(uintptr(req.Err))), req.Num)
			for i := range errs {
				errs[i] = int32(syscall.ENOENT)
			}
			return syscall.ENOENT
		},
	}
	gate := newGateWithFake(fake)

	retries, err := gate.MmapBatch(context.Background(), 1, 0x1000, []uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("expected no hard error, got %v", err)
	}
	if retries != 1 {
		t.Fatalf("expected exactly one retry attempt before giving up, got %d", retries)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 ioctl calls (initial + one retry), got %d", calls)
	}
}

// TestGetVersionCapabilities exercises HYPERVISOR_xen_version(XENVER_capabilities).
func TestGetVersionCapabilities(t *testing.T) {
	fake := &fakeCommandDevice{
		hypercallHandler: func(desc *hypercallDescriptor) syscall.Errno {
			if desc.Op != hypervisorXenVersion {
				t.Fatalf("expected hypervisor_xen_version op, got %d", desc.Op)
			}
			if desc.Arg[0] != xenverCapabilities {
				t.Fatalf("expected XENVER_capabilities subop, got %d", desc.Arg[0])
			}
			info := (*xenCapabilitiesInfo)(unsafe.Pointer(uintptr(desc.Arg[1])))
			copy(info.Capabilities[:], "xen-3.0-x86_64 hvm-3.0-x86_32\x00garbage")
			return 0
		},
	}
	gate := newGateWithFake(fake)

	caps, err := gate.GetVersionCapabilities(context.Background())
	if err != nil {
		t.Fatalf("GetVersionCapabilities: %v", err)
	}
	if caps != "xen-3.0-x86_64 hvm-3.0-x86_32" {
		t.Fatalf("unexpected capabilities string: %q", caps)
	}
}

// TestMmapBatchDisjointIslandsOnlyRetriesFirst pins the retry loop's
// shape: when the error array holds two disjoint ENOENT runs, only the
// first one (scanning from index 0) is ever re-issued. The second island
// is abandoned once the first run ends before reaching the end of the
// array.
func TestMmapBatchDisjointIslandsOnlyRetriesFirst(t *testing.T) {
	calls := 0
	fake := &fakeCommandDevice{
		mmapBatchHandler: func(req *mmapBatchV2) syscall.Errno {
			calls++
			errs := unsafe.Slice((*int32)(unsafe.Pointer(uintptr(req.Err))), req.Num)
			if calls == 1 {
				if req.Num != 4 {
					t.Fatalf("expected initial batch of 4, got %d", req.Num)
				}
				errs[0] = int32(syscall.ENOENT)
				errs[1] = 0
				errs[2] = int32(syscall.ENOENT)
				errs[3] = 0
				return syscall.ENOENT
			}
			// Retry of the first island only (index 0, length 1).
			if req.Num != 1 {
				t.Fatalf("expected retry batch of 1 (first island only), got %d", req.Num)
			}
			errs[0] = 0
			return 0
		},
	}
	gate := newGateWithFake(fake)

	mfns := []uint64{100, 101, 102, 103}
	retries, err := gate.MmapBatch(context.Background(), 1, 0x1000, mfns)
	if err != nil {
		t.Fatalf("MmapBatch: %v", err)
	}
	if retries != 1 {
		t.Fatalf("expected 1 retry round (second island abandoned), got %d", retries)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 ioctl calls (initial + one retry), got %d", calls)
	}
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
