//go:build linux && amd64

// Package foreignmem is the Foreign Page Window: the per-target-domain
// layer above xenctrl's Call Gate that maintains a guest's P2M table and
// translates guest PFN ranges into host virtual pointers, allocating and
// registering new mapping windows on demand.
package foreignmem

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/xen-go/xencore/xenctrl"
)

// archPageShift is the architecture's logical page shift; xenPageShift is
// the hypervisor's small-page granularity. They coincide on amd64, but the
// allocation path still expands MFN entries over the ratio so a larger
// logical page would map correctly.
const (
	archPageShift = 12
	xenPageShift  = 12

	pageSize    = 1 << archPageShift
	xenPageSize = 1 << xenPageShift
)

// sentinelPFN marks a window registered by MapForeignPages: it
// participates in bulk teardown but is excluded from PFN-based lookups.
const sentinelPFN = ^uint64(0)

// loadP2M installs the guest's PFN→MFN table. It is set exactly once per
// ForeignPageWindow and immutable thereafter; calling it again is a
// programmer error this package does not guard against.
func (w *ForeignPageWindow) loadP2M(table []uint64) {
	w.p2m = table
}

// LoadP2M installs the guest's PFN→MFN table, fetched by the caller from
// whatever source holds it (xenstore, a control-plane query, a domain
// builder). Future translations index this table without bounds-extension.
func (w *ForeignPageWindow) LoadP2M(table []uint64) {
	w.loadP2M(table)
	w.log.WithField("pages", len(table)).Debug("loaded p2m table")
}

// gate is the subset of *xenctrl.CallGate this package depends on. Defining
// it here (rather than importing the concrete type everywhere) keeps the
// window tests able to substitute a fake without reaching into xenctrl's
// internals.
type gate interface {
	Mmap(ctx context.Context, length int) (uintptr, error)
	Munmap(addr uintptr, length int) error
	MmapBatch(ctx context.Context, domid uint32, addr uintptr, mfns []uint64) (int, error)
}

// ForeignPageWindow owns every live mapping window for one target domain.
type ForeignPageWindow struct {
	domid   uint32
	gate    gate
	p2m     []uint64
	windows []*physicalPageWindow
	log     *logrus.Entry
}

// physicalPageWindow is a live host mapping of a contiguous guest PFN
// range. pfn is sentinelPFN for windows created by MapForeignPages.
type physicalPageWindow struct {
	pfn   uint64
	ptr   uintptr
	count int
}

// New constructs a Foreign Page Window over gate for domid. The P2M table
// is empty until LoadP2M installs it.
func New(g *xenctrl.CallGate, domid uint32, log *logrus.Entry) *ForeignPageWindow {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ForeignPageWindow{
		domid: domid,
		gate:  g,
		log:   log.WithField("component", "foreignmem").WithField("domid", domid),
	}
}
