// Package pagination normalizes client supplied page sizes.
package pagination

// PageSizeConfig bounds a page size.
type PageSizeConfig struct {
	Default int
	Max     int
}

// ClampPageSize returns Default for a non-positive request and never more
// than Max. The result is at least one.
func ClampPageSize(requested int, cfg PageSizeConfig) int {
	size := requested
	if size <= 0 {
		size = cfg.Default
	}
	if cfg.Max > 0 && size > cfg.Max {
		size = cfg.Max
	}
	return max(size, 1)
}
