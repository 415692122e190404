package mm

import "strings"

// MapPermission is the access set of a mapping. The bit layout matches the
// page-table entry flags so permissions can be copied into entries directly.
type MapPermission uint8

const (
	PermR MapPermission = 1 << 1
	PermW MapPermission = 1 << 2
	PermX MapPermission = 1 << 3
	PermU MapPermission = 1 << 4

	permRWX = PermR | PermW | PermX
	permAll = permRWX | PermU
)

// PermissionFromPort decodes a raw mmap port value. Bit 0 is read, bit 1
// write, bit 2 execute and bit 3 user; higher bits are ignored.
func PermissionFromPort(port uint64) MapPermission {
	return MapPermission((port&0xf)<<1) & permAll
}

// Has reports whether every bit of q is present in p.
func (p MapPermission) Has(q MapPermission) bool {
	return p&q == q
}

// Accessible reports whether p grants at least one of read, write, execute.
func (p MapPermission) Accessible() bool {
	return p&permRWX != 0
}

func (p MapPermission) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit MapPermission
		c   byte
	}{{PermR, 'R'}, {PermW, 'W'}, {PermX, 'X'}, {PermU, 'U'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
