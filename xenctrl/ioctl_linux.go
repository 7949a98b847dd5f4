//go:build linux && amd64

package xenctrl

import "unsafe"

// Linux ioctl number encoding (asm-generic/ioctl.h), reproduced locally
// because golang.org/x/sys/unix exposes the syscall plumbing but not the
// _IOC family of macros. Mirrors the comment-documented style used
// throughout the retrieval pack for hand-derived ioctl numbers (e.g.
// `perfEventIOCSetBPF = 0x40044408 // _IOW('$', 8, __u32)`).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, typ, nr, size) }

// privcmd ioctl type is 'P' (0x50), matching xen/privcmd.h.
const privcmdIoctlType uintptr = 'P'

var (
	// IOCTL_PRIVCMD_HYPERCALL: _IOC(_IOC_NONE, 'P', 0, sizeof(privcmd_hypercall_t))
	ioctlPrivcmdHypercall = ioc(iocNone, privcmdIoctlType, 0, unsafe.Sizeof(hypercallDescriptor{}))
	// IOCTL_PRIVCMD_MMAPBATCH_V2: _IOC(_IOC_NONE, 'P', 4, sizeof(privcmd_mmapbatch_v2_t))
	ioctlPrivcmdMmapBatchV2 = ioc(iocNone, privcmdIoctlType, 4, unsafe.Sizeof(mmapBatchV2{}))
	// IOCTL_PRIVCMD_MMAP_RESOURCE: _IOC(_IOC_NONE, 'P', 7, sizeof(privcmd_mmap_resource_t))
	ioctlPrivcmdMmapResource = ioc(iocNone, privcmdIoctlType, 7, unsafe.Sizeof(mmapResource{}))
)
