//go:build linux && amd64

package xenctrl

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// commandDevice is the transport seam between CallGate and the privileged
// command device. Production code talks to osCommandDevice; tests talk to
// a fakeCommandDevice that scripts ioctl responses (see gate_test.go).
type commandDevice interface {
	Ioctl(req uintptr, arg unsafe.Pointer) (ret uintptr, errno syscall.Errno)
	Mmap(length int, prot, flags int) (addr uintptr, err error)
	Munmap(addr uintptr, length int) error
	Fd() uintptr
	Close() error
}

// osCommandDevice is the real implementation, backed by an open file
// descriptor on /dev/xen/privcmd (or an equivalent passed-in path).
type osCommandDevice struct {
	fd uintptr
}

func openCommandDevice(path string) (*osCommandDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, newError(ErrCommandDeviceOpenFailed, "open "+path, 0, errnoOf(err), "", err)
	}
	return &osCommandDevice{fd: uintptr(fd)}, nil
}

func (d *osCommandDevice) Fd() uintptr { return d.fd }

func (d *osCommandDevice) Ioctl(req uintptr, arg unsafe.Pointer) (uintptr, syscall.Errno) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, d.fd, req, uintptr(arg))
	return ret, errno
}

// Mmap reserves a host virtual window of length bytes backed by the
// command device at file offset 0.
func (d *osCommandDevice) Mmap(length int, prot, flags int) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(length), uintptr(prot), uintptr(flags), d.fd, 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func (d *osCommandDevice) Munmap(addr uintptr, length int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *osCommandDevice) Close() error {
	return unix.Close(int(d.fd))
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if e, ok := err.(syscall.Errno); ok {
		errno = e
	}
	return errno
}
