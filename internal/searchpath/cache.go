package searchpath

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// DefaultCacheFile is the system cache location.
const DefaultCacheFile = "/etc/ld.so.cache"

const (
	cacheMagic     = "glibc-ld.so.cache1.1"
	cacheHeaderLen = 48
	cacheEntryLen  = 24

	cacheEndianLittle = 2
)

// Entry flags.
const (
	FlagTypeMask = 0x00ff
	FlagELFLibc6 = 0x0003
	FlagArchMask = 0xff00
	FlagX8664Lib = 0x0300
	FlagAArch64  = 0x0a00
	flagRequired = FlagTypeMask | FlagArchMask
)

// ErrCorrupt is returned for a cache file that is truncated or whose offsets
// point outside the file.
var ErrCorrupt = errors.New("ld.so.cache: corrupt cache file")

// Entry is one library record.
type Entry struct {
	Flags     int32
	Key       string // soname
	Value     string // path
	OSVersion uint32
	HWCap     uint64
}

// Cache is a parsed ld.so.cache.
type Cache struct {
	Entries []Entry
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// ArchFlags returns the flags an entry usable on m carries.
func ArchFlags(m elf.Machine) int32 {
	switch m {
	case elf.EM_AARCH64:
		return FlagELFLibc6 | FlagAArch64
	default:
		return FlagELFLibc6 | FlagX8664Lib
	}
}

// ParseCache decodes a cache image. Every offset is checked against the
// image before it is used.
func ParseCache(data []byte) (*Cache, error) {
	if len(data) < cacheHeaderLen {
		return nil, corrupt("%d byte file shorter than header", len(data))
	}
	if !bytes.Equal(data[:len(cacheMagic)], []byte(cacheMagic)) {
		return nil, corrupt("bad magic %q", data[:len(cacheMagic)])
	}
	le := binary.LittleEndian
	nlibs := uint64(le.Uint32(data[20:]))
	lenStrings := uint64(le.Uint32(data[24:]))
	if f := data[28]; f != 0 && f != cacheEndianLittle {
		return nil, corrupt("unsupported endianness flag %d", f)
	}

	size := uint64(len(data))
	entriesEnd := cacheHeaderLen + nlibs*cacheEntryLen
	if entriesEnd > size {
		return nil, corrupt("%d entries exceed file size %d", nlibs, size)
	}
	if entriesEnd+lenStrings > size {
		return nil, corrupt("string table of %d bytes exceeds file size %d", lenStrings, size)
	}

	str := func(off uint32) (string, error) {
		o := uint64(off)
		if o < entriesEnd || o >= size {
			return "", corrupt("string offset 0x%x outside string table", off)
		}
		end := bytes.IndexByte(data[o:], 0)
		if end < 0 {
			return "", corrupt("unterminated string at 0x%x", off)
		}
		return string(data[o : o+uint64(end)]), nil
	}

	c := &Cache{Entries: make([]Entry, 0, nlibs)}
	for i := uint64(0); i < nlibs; i++ {
		b := data[cacheHeaderLen+i*cacheEntryLen:]
		key, err := str(le.Uint32(b[4:]))
		if err != nil {
			return nil, err
		}
		val, err := str(le.Uint32(b[8:]))
		if err != nil {
			return nil, err
		}
		c.Entries = append(c.Entries, Entry{
			Flags:     int32(le.Uint32(b[0:])),
			Key:       key,
			Value:     val,
			OSVersion: le.Uint32(b[12:]),
			HWCap:     le.Uint64(b[16:]),
		})
	}
	return c, nil
}

// LoadCache reads and parses the cache file at path.
func LoadCache(fs afero.Fs, path string) (*Cache, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return ParseCache(data)
}

// Lookup returns the path recorded for soname on machine m.
func (c *Cache) Lookup(soname string, m elf.Machine) (string, bool) {
	if c == nil {
		return "", false
	}
	want := ArchFlags(m)
	for _, e := range c.Entries {
		if e.Key == soname && e.Flags&flagRequired == want {
			return e.Value, true
		}
	}
	return "", false
}

// Marshal encodes the cache in the new format.
func (c *Cache) Marshal() []byte {
	var strtab bytes.Buffer
	offsets := make(map[string]uint32)
	strStart := uint32(cacheHeaderLen + len(c.Entries)*cacheEntryLen)
	intern := func(s string) uint32 {
		if off, ok := offsets[s]; ok {
			return off
		}
		off := strStart + uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		offsets[s] = off
		return off
	}
	type rec struct{ key, val uint32 }
	recs := make([]rec, len(c.Entries))
	for i, e := range c.Entries {
		recs[i] = rec{intern(e.Key), intern(e.Value)}
	}

	le := binary.LittleEndian
	out := make([]byte, int(strStart), int(strStart)+strtab.Len())
	copy(out, cacheMagic)
	le.PutUint32(out[20:], uint32(len(c.Entries)))
	le.PutUint32(out[24:], uint32(strtab.Len()))
	out[28] = cacheEndianLittle
	for i, e := range c.Entries {
		b := out[cacheHeaderLen+i*cacheEntryLen:]
		le.PutUint32(b[0:], uint32(e.Flags))
		le.PutUint32(b[4:], recs[i].key)
		le.PutUint32(b[8:], recs[i].val)
		le.PutUint32(b[12:], e.OSVersion)
		le.PutUint64(b[16:], e.HWCap)
	}
	return append(out, strtab.Bytes()...)
}

// WriteCache writes c to path.
func WriteCache(fs afero.Fs, path string, c *Cache) error {
	return afero.WriteFile(fs, path, c.Marshal(), 0o644)
}
