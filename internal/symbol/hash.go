// Package symbol resolves symbol names against the hash tables of loaded
// objects.
package symbol

// SysVHash is the DT_HASH function from the System V ABI.
func SysVHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// GNUHash is the DT_GNU_HASH function (Bernstein, seeded with 5381).
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}
