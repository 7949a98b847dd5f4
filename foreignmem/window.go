//go:build linux && amd64

package foreignmem

import (
	"context"

	"github.com/xen-go/xencore/xenctrl"
)

// PfnToPtr searches existing windows for one that covers [pfn, pfn+count)
// and returns the host address of pfn's first byte. When count==0 it is a
// translation-only lookup against an existing window and never allocates.
// When count>0 and no window covers the range, a new one is allocated and
// registered; a partial overlap with an existing window is an error, since
// the caller expects one contiguous host pointer.
func (w *ForeignPageWindow) PfnToPtr(ctx context.Context, pfn uint64, count int) (uintptr, error) {
	for _, win := range w.windows {
		if win.pfn == sentinelPFN {
			continue
		}
		if pfn >= win.pfn+uint64(win.count) {
			continue
		}

		if count == 0 {
			if pfn >= win.pfn {
				return win.ptr + uintptr(pfn-win.pfn)*pageSize, nil
			}
			continue
		}

		coveredEnd := win.pfn + uint64(win.count)
		within := pfn >= win.pfn && pfn+uint64(count) <= coveredEnd
		if within {
			return win.ptr + uintptr(pfn-win.pfn)*pageSize, nil
		}
		overlaps := (pfn+uint64(count) > coveredEnd && pfn >= win.pfn) ||
			(pfn < win.pfn && pfn+uint64(count) > win.pfn)
		if overlaps {
			return 0, xenctrl.NewError(xenctrl.ErrMemorySetupFailed, "pfn_to_ptr", w.domid, 0,
				"pfn-out-of-range", nil)
		}
	}

	if count == 0 {
		return 0, xenctrl.NewError(xenctrl.ErrMemorySetupFailed, "pfn_to_ptr", w.domid, 0,
			"page-count-is-zero", nil)
	}
	return w.pfnAlloc(ctx, pfn, count)
}

// pfnAlloc maps count guest pages starting at pfn into a freshly reserved
// host window, reached only once PfnToPtr has established no existing
// window covers the range.
func (w *ForeignPageWindow) pfnAlloc(ctx context.Context, pfn uint64, count int) (uintptr, error) {
	if int(pfn)+count > len(w.p2m) {
		return 0, xenctrl.NewError(xenctrl.ErrMemorySetupFailed, "pfn_alloc", w.domid, 0,
			"pfn range exceeds loaded p2m", nil)
	}

	// One logical page expands to numPerEntry hypervisor small pages; the
	// ratio is 1 on amd64 but the MFN vector is built over it regardless.
	numPerEntry := pageSize >> xenPageShift
	num := numPerEntry * count
	mfns := make([]uint64, num)
	for i := 0; i < count; i++ {
		for j := 0; j < numPerEntry; j++ {
			mfns[i*numPerEntry+j] = w.p2m[int(pfn)+i] + uint64(j)
		}
	}

	mapLen := num * xenPageSize
	ptr, err := w.gate.Mmap(ctx, mapLen)
	if err != nil {
		return 0, err
	}

	result, err := w.gate.MmapBatch(ctx, w.domid, ptr, mfns)
	if err != nil {
		w.gate.Munmap(ptr, mapLen)
		return 0, err
	}
	if result != 0 {
		w.gate.Munmap(ptr, mapLen)
		return 0, xenctrl.NewError(xenctrl.ErrMmapFailed, "pfn_alloc", w.domid, 0,
			"mmap batch returned non-zero", nil)
	}

	w.windows = append(w.windows, &physicalPageWindow{pfn: pfn, ptr: ptr, count: count})
	w.log.WithField("pfn", pfn).WithField("count", count).Debug("mapped foreign page window")
	return ptr, nil
}

// MapForeignPages maps size bytes of contiguous machine frames starting at
// mfn, independent of any PFN, used for one-shot mappings such as loading
// a kernel blob. The window is registered with the sentinel PFN so
// PfnToPtr never matches it, but UnmapAll still tears it down.
func (w *ForeignPageWindow) MapForeignPages(ctx context.Context, mfn uint64, size int) (uintptr, error) {
	count := (size + xenPageSize - 1) >> xenPageShift
	mfns := make([]uint64, count)
	for i := range mfns {
		mfns[i] = mfn + uint64(i)
	}

	mapLen := count * xenPageSize
	ptr, err := w.gate.Mmap(ctx, mapLen)
	if err != nil {
		return 0, err
	}
	result, err := w.gate.MmapBatch(ctx, w.domid, ptr, mfns)
	if err != nil {
		w.gate.Munmap(ptr, mapLen)
		return 0, err
	}
	if result != 0 {
		w.gate.Munmap(ptr, mapLen)
		return 0, xenctrl.NewError(xenctrl.ErrMmapFailed, "map_foreign_pages", w.domid, 0,
			"mmap batch returned non-zero", nil)
	}

	w.windows = append(w.windows, &physicalPageWindow{pfn: sentinelPFN, ptr: ptr, count: count})
	return ptr, nil
}

// Unmap releases exactly the window starting at pfn.
func (w *ForeignPageWindow) Unmap(pfn uint64) error {
	for i, win := range w.windows {
		if win.pfn != pfn {
			continue
		}
		if err := w.gate.Munmap(win.ptr, win.count*pageSize); err != nil {
			return err
		}
		w.windows = append(w.windows[:i], w.windows[i+1:]...)
		return nil
	}
	return xenctrl.NewError(xenctrl.ErrMemorySetupFailed, "unmap", w.domid, 0,
		"cannot-unmap-missing-page", nil)
}

// UnmapAll releases every window and empties the list. Teardown is
// best-effort: the first OS unmap failure aborts further unmaps, leaving
// the remaining entries (including the one that failed) in the list.
func (w *ForeignPageWindow) UnmapAll() error {
	for i, win := range w.windows {
		if err := w.gate.Munmap(win.ptr, win.count*pageSize); err != nil {
			w.windows = w.windows[i:]
			return err
		}
	}
	w.windows = nil
	return nil
}
