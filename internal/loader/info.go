package loader

import (
	"context"
	"path"
	"syscall"

	"github.com/zboralski/rtld/internal/lderr"
	"github.com/zboralski/rtld/internal/linkmap"
	"github.com/zboralski/rtld/internal/searchpath"
)

// dlinfo requests.
const (
	RTLD_DI_LMID      = 1
	RTLD_DI_LINKMAP   = 2
	RTLD_DI_SERINFO   = 4
	RTLD_DI_SERINFOSZ = 5
	RTLD_DI_ORIGIN    = 6
	RTLD_DI_TLS_MODID = 9
	RTLD_DI_TLS_DATA  = 10
	RTLD_DI_PHDR      = 11
)

// Info is the answer to one Dlinfo request. Only the fields of the request
// are set.
type Info struct {
	Request  int
	LMID     int
	Map      *linkmap.Map
	Origin   string
	Paths    []searchpath.Element // RTLD_DI_SERINFO and RTLD_DI_SERINFOSZ
	TLSModID uint64
	TLSData  uint64 // calling thread's block, 0 when not yet allocated
	Phdr     uint64
	Phnum    int
}

// Dlinfo answers request about handle.
func (c *Context) Dlinfo(ctx context.Context, handle uint64, request int) (Info, error) {
	ctx, unlock := c.lock(ctx)
	defer unlock()
	m := c.reg.Map(linkmap.FromToken(handle))
	if m == nil {
		return Info{}, c.fail(ctx, lderr.New(lderr.ErrInvalidHandle, "", "invalid handle"))
	}
	info := Info{Request: request}
	switch request {
	case RTLD_DI_LMID:
		info.LMID = m.NS
	case RTLD_DI_LINKMAP:
		info.Map = m
	case RTLD_DI_ORIGIN:
		info.Origin = path.Dir(m.Path)
	case RTLD_DI_SERINFO, RTLD_DI_SERINFOSZ:
		info.Paths = c.paths.Dirs(c.requester(m))
	case RTLD_DI_TLS_MODID:
		info.TLSModID = m.TLSModID
	case RTLD_DI_TLS_DATA:
		if m.TLSModID != 0 {
			info.TLSData, _ = c.tls.BlockAddr(c.thread(ctx), m.TLSModID)
		}
	case RTLD_DI_PHDR:
		info.Phdr, info.Phnum = m.Phdr, m.Phnum
	default:
		return Info{}, c.fail(ctx, &lderr.Error{
			Kind:   lderr.ErrInvalidMode,
			Detail: "unsupported dlinfo request",
			Errno:  syscall.EINVAL,
		})
	}
	return info, nil
}
