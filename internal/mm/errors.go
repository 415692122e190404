package mm

import "errors"

// Sentinel errors returned by mapping operations.
var (
	ErrNotAligned        = errors.New("address is not page aligned")
	ErrInvalidPermission = errors.New("user bit may not be requested explicitly")
	ErrEmptyPermission   = errors.New("mapping grants no access")
	ErrEmptyRange        = errors.New("mapping covers no pages")
	ErrOverlap           = errors.New("range overlaps an existing mapping")
	ErrNotMapped         = errors.New("no mapping covers exactly this range")
	ErrOutOfFrames       = errors.New("out of physical frames")
	ErrFault             = errors.New("user address is not mapped")
)
