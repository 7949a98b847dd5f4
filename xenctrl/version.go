//go:build linux && amd64

package xenctrl

import (
	"bytes"
	"context"
	"unsafe"
)

// GetVersionCapabilities issues HYPERVISOR_xen_version(XENVER_capabilities)
// and returns the hypervisor's space-separated guest-capabilities string
// (e.g. "xen-3.0-x86_64 hvm-3.0-x86_32"), trimmed at the first NUL.
func (g *CallGate) GetVersionCapabilities(ctx context.Context) (string, error) {
	var info xenCapabilitiesInfo
	if _, err := g.Hypercall2(ctx, hypervisorXenVersion, xenverCapabilities, uint64(uintptr(unsafe.Pointer(&info)))); err != nil {
		return "", err
	}
	raw := info.Capabilities[:]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}
