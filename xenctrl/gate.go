//go:build linux && amd64

// Package xenctrl is the Call Gate: the serialized hypercall transport onto
// a privileged Xen command device (conventionally /dev/xen/privcmd). It
// owns the open file handle, negotiates the domctl interface version
// against the running hypervisor, and exposes typed wrappers for every
// hypercall family the foreignmem package and its callers need.
package xenctrl

import (
	"context"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// pagingRetryDelay is how long MmapBatch sleeps after the hypervisor's
// pager reports ENOENT before rescanning the per-entry error array.
const pagingRetryDelay = 100 * time.Microsecond

// CallGate owns the open command-device handle, the negotiated domctl
// interface version, and the single-capacity permit that serializes every
// hypercall issued through it.
type CallGate struct {
	dev     commandDevice
	permit  *semaphore.Weighted
	version uint32
	log     *logrus.Entry

	// lastAssignedDomid caches the domid the hypervisor handed back from
	// the most recent CreateDomain call.
	lastAssignedDomid uint32
}

// Open opens the privileged command device read-write and negotiates a
// domctl interface version by probing GETDOMAININFO against currentDomid
// for every version in [minVersion, maxVersion], lowest first. The first
// version that answers successfully is cached for the Call Gate's
// lifetime; the core never re-probes, so a process that survives a
// hypervisor upgrade must be restarted.
func Open(devicePath string, currentDomid uint32, minVersion, maxVersion uint32, log *logrus.Entry) (*CallGate, error) {
	dev, err := openCommandDevice(devicePath)
	if err != nil {
		return nil, err
	}
	return newCallGate(dev, currentDomid, minVersion, maxVersion, log)
}

// newCallGate wraps an already-open command device and runs the version
// negotiation loop. On failure the device is closed before returning.
func newCallGate(dev commandDevice, currentDomid uint32, minVersion, maxVersion uint32, log *logrus.Entry) (*CallGate, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "xenctrl")

	g := &CallGate{
		dev:    dev,
		permit: semaphore.NewWeighted(1),
		log:    log,
	}

	for v := minVersion; v <= maxVersion; v++ {
		if _, err := g.probeGetDomainInfo(v, currentDomid); err == nil {
			g.version = v
			log.WithField("interface_version", v).Debug("negotiated domctl interface version")
			return g, nil
		}
	}
	dev.Close()
	return nil, newError(ErrVersionUnsupported, "open", currentDomid, 0,
		fmt.Sprintf("no version in [%d,%d] answered GETDOMAININFO", minVersion, maxVersion), nil)
}

// Version returns the negotiated domctl interface version.
func (g *CallGate) Version() uint32 { return g.version }

// Close releases the underlying command-device handle. It is not itself
// serialized by the permit: nothing else should be using the Call Gate by
// the time Close is called.
func (g *CallGate) Close() error {
	return g.dev.Close()
}

func (g *CallGate) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := g.permit.Acquire(ctx, 1); err != nil {
		return newError(ErrPermitAcquireFailed, "acquire permit", 0, 0, "", err)
	}
	return nil
}

func (g *CallGate) release() { g.permit.Release(1) }

// hypercall issues a single generic hypercall under the permit. The
// returned value is the kernel's signed long result.
func (g *CallGate) hypercall(ctx context.Context, op uint64, args [5]uint64) (int64, error) {
	if err := g.acquire(ctx); err != nil {
		return 0, err
	}
	defer g.release()
	return g.hypercallLocked(op, args)
}

// hypercallLocked assumes the permit is already held by the caller (used
// directly by the domctl wrappers, and through hypercall by the
// memory/evtchn/mmuext wrappers).
func (g *CallGate) hypercallLocked(op uint64, args [5]uint64) (int64, error) {
	start := time.Now()
	desc := hypercallDescriptor{Op: op, Arg: args}
	ret, errno := g.dev.Ioctl(ioctlPrivcmdHypercall, unsafe.Pointer(&desc))
	if errno != 0 {
		g.logHypercall(op, time.Since(start), errno)
		return 0, newError(ErrHypercallFailed, hypercallOpName(op), 0, errno, "", errno)
	}
	g.logHypercall(op, time.Since(start), 0)
	return int64(ret), nil
}

// logHypercall emits the per-call structured log line the ambient stack
// calls for (op, duration, and failures at a higher level than success).
// g.log is nil for CallGates built directly in tests, so this is a no-op
// in that case rather than a panic.
func (g *CallGate) logHypercall(op uint64, dur time.Duration, errno syscall.Errno) {
	if g.log == nil {
		return
	}
	entry := g.log.WithField("op", hypercallOpName(op)).WithField("duration", dur)
	if errno != 0 {
		entry.WithField("errno", errno).Warn("hypercall failed")
		return
	}
	entry.Debug("hypercall ok")
}

// Hypercall0..Hypercall5 are the generic 0-5 argument variants. Unused
// argument slots are zero, matching the fixed six-slot descriptor
// (op + 5 args) the kernel expects.

func (g *CallGate) Hypercall0(ctx context.Context, op uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{})
}

func (g *CallGate) Hypercall1(ctx context.Context, op, a1 uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{a1})
}

func (g *CallGate) Hypercall2(ctx context.Context, op, a1, a2 uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{a1, a2})
}

func (g *CallGate) Hypercall3(ctx context.Context, op, a1, a2, a3 uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{a1, a2, a3})
}

func (g *CallGate) Hypercall4(ctx context.Context, op, a1, a2, a3, a4 uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{a1, a2, a3, a4})
}

func (g *CallGate) Hypercall5(ctx context.Context, op, a1, a2, a3, a4, a5 uint64) (int64, error) {
	return g.hypercall(ctx, op, [5]uint64{a1, a2, a3, a4, a5})
}

// Multicall issues one hypercall bundling entries (caller-owned, mutable).
// Results are written back into entries in place; a non-zero per-entry
// result is not itself an error here. Callers such as PopulatePhysmap
// interpret their own entry's result.
func (g *CallGate) Multicall(ctx context.Context, entries []MultiCallEntry) error {
	if len(entries) == 0 {
		return nil
	}
	args := [5]uint64{
		uint64(uintptr(unsafe.Pointer(&entries[0]))),
		uint64(len(entries)),
	}
	_, err := g.hypercall(ctx, hypervisorMulticall, args)
	return err
}

// Mmap reserves a host virtual window of length bytes backed by the
// command device at file offset 0, readable/writable, shared mapping.
// Windows obtained here are consumed by MmapBatch or MapResource.
func (g *CallGate) Mmap(ctx context.Context, length int) (uintptr, error) {
	if err := g.acquire(ctx); err != nil {
		return 0, err
	}
	defer g.release()

	addr, err := g.dev.Mmap(length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, newError(ErrMmapFailed, "mmap", 0, errnoOf(err), "", err)
	}
	return addr, nil
}

// Munmap releases a window previously obtained from Mmap.
func (g *CallGate) Munmap(addr uintptr, length int) error {
	if err := g.dev.Munmap(addr, length); err != nil {
		return newError(ErrUnmapFailed, "munmap", 0, errnoOf(err), "", err)
	}
	return nil
}

// MmapBatch maps the given MFNs into a previously-mmap'd host window.
// addr must have been obtained from Mmap with a matching length. On the
// hypervisor pager returning ENOENT it retries sub-batches of paged-out
// entries, and returns the number of retry rounds the operation needed
// (informational).
func (g *CallGate) MmapBatch(ctx context.Context, domid uint32, addr uintptr, mfns []uint64) (int, error) {
	if len(mfns) == 0 {
		return 0, nil
	}
	if err := g.acquire(ctx); err != nil {
		return 0, err
	}
	defer g.release()

	n := len(mfns)
	errs := make([]int32, n)
	if errno := g.issueMmapBatch(domid, addr, mfns, errs); errno != 0 {
		if errno != unix.ENOENT {
			return 0, newError(ErrMmapBatchFailed, "mmap_batch", domid, errno, "", errno)
		}
	} else {
		return 0, nil
	}

	if g.log != nil {
		g.log.WithField("domid", domid).WithField("pages", n).Debug("mmap_batch paging ENOENT, entering retry protocol")
	}

	retries := 0
	for {
		time.Sleep(pagingRetryDelay)

		start, length := firstENOENTRun(errs)
		if start < 0 {
			break // entire range has been rescanned: no ENOENT left.
		}

		subErrno := g.issueMmapBatch(
			domid,
			addr+uintptr(start)*pageSize,
			mfns[start:start+length],
			errs[start:start+length],
		)
		retries++
		if subErrno != 0 && subErrno != unix.ENOENT {
			return retries, newError(ErrMmapBatchFailed, "mmap_batch retry", domid, subErrno, "", subErrno)
		}

		if start+length < len(errs) {
			// Only the first contiguous ENOENT run found from index 0 is
			// ever retried. Once that run ends before the array's end, any
			// further disjoint ENOENT island is abandoned rather than
			// picked up by rescanning; exhaustive paging recovery is the
			// caller's problem.
			break
		}

		if !anyResolved(errs[start : start+length]) {
			break // zero progress: stop instead of spinning indefinitely.
		}
		// The run ran through to the end of errs and made some progress;
		// loop back and rescan from the top for anything left.
	}
	return retries, nil
}

func (g *CallGate) issueMmapBatch(domid uint32, addr uintptr, mfns []uint64, errs []int32) syscall.Errno {
	req := mmapBatchV2{
		Num:  uint32(len(mfns)),
		Dom:  uint16(domid),
		Addr: uint64(addr),
		MFN:  uint64(uintptr(unsafe.Pointer(&mfns[0]))),
		Err:  uint64(uintptr(unsafe.Pointer(&errs[0]))),
	}
	_, errno := g.dev.Ioctl(ioctlPrivcmdMmapBatchV2, unsafe.Pointer(&req))
	return errno
}

func firstENOENTRun(errs []int32) (start, length int) {
	start = -1
	for i, e := range errs {
		if e == int32(unix.ENOENT) {
			if start == -1 {
				start = i
			}
			length++
			continue
		}
		if start != -1 {
			break
		}
	}
	if start == -1 {
		return -1, 0
	}
	return start, length
}

func anyResolved(errs []int32) bool {
	for _, e := range errs {
		if e != int32(unix.ENOENT) {
			return true
		}
	}
	return false
}

// MapResource requests a typed resource window mapped at addr, which
// must have been obtained from Mmap.
func (g *CallGate) MapResource(ctx context.Context, domid uint32, typ, id, idx, numEntries uint32, addr uintptr) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	req := mmapResource{
		Dom:        uint16(domid),
		Type:       typ,
		ID:         id,
		Idx:        idx,
		NumEntries: numEntries,
		Addr:       uint64(addr),
	}
	_, errno := g.dev.Ioctl(ioctlPrivcmdMmapResource, unsafe.Pointer(&req))
	if errno != 0 {
		return newError(ErrHypercallFailed, "map_resource", domid, errno, "", errno)
	}
	return nil
}

func hypercallOpName(op uint64) string {
	switch op {
	case hypervisorMmuUpdate:
		return "mmu_update"
	case hypervisorMemoryOp:
		return "memory_op"
	case hypervisorMulticall:
		return "multicall"
	case hypervisorMmuextOp:
		return "mmuext_op"
	case hypervisorEventChannelOp:
		return "event_channel_op"
	case hypervisorDomctl:
		return "domctl"
	default:
		return fmt.Sprintf("hypercall(%d)", op)
	}
}
