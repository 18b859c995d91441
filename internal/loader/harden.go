package loader

import (
	"debug/elf"

	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
)

// checkHardening rejects objects lacking a control-flow protection the
// configuration enforces.
func (c *Context) checkHardening(obj *elfobj.Object) error {
	h := c.cfg.Hardening
	switch obj.Machine {
	case elf.EM_X86_64:
		if h.IBT && !obj.Props.IBT {
			return lderr.New(lderr.ErrHardening, obj.Path, "rebuild shared object with IBT support enabled")
		}
		if h.SHSTK && !obj.Props.SHSTK {
			return lderr.New(lderr.ErrHardening, obj.Path, "rebuild shared object with SHSTK support enabled")
		}
	case elf.EM_AARCH64:
		if h.BTI && !obj.Props.BTI {
			return lderr.New(lderr.ErrHardening, obj.Path, "rebuild shared object with BTI support enabled")
		}
	}
	return nil
}
