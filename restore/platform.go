package restore

import (
	"context"
	"fmt"
)

// probePlatform implements component A: it asks the hypervisor for the
// host's MFN ceiling, its virtual-address floor, and the guest's paging
// level count. Nothing else in the restore can proceed without these
// constants.
func (r *Restore) probePlatform(ctx context.Context) error {
	info, err := r.hv.Probe(ctx, r.opts.DomainID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlatformUnavailable, err)
	}

	if info.PagingLevels != 2 && info.PagingLevels != 3 && info.PagingLevels != 4 {
		return fmt.Errorf("%w: unsupported paging level %d", ErrPlatformUnavailable, info.PagingLevels)
	}

	r.platform = info

	return nil
}

// entryWidth returns the page-table entry width in bytes for the guest's
// paging level: 4 on two-level paging, 8 otherwise (Design Note 2).
func (r *Restore) entryWidth() int {
	if r.platform.PagingLevels == 2 {
		return 4
	}

	return 8
}
