package reloc

import (
	"context"
	"debug/elf"
	"fmt"

	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/symbol"
	"go.uber.org/zap"
)

// Memory is the address space relocations are written to.
type Memory interface {
	Read(addr uint64, size int) ([]byte, error)
	Copy(dst, src uint64, size int) error
	ReadU64(addr uint64) (uint64, error)
	WriteU64(addr, val uint64) error
	ReadU32(addr uint64) (uint32, error)
	WriteU32(addr uint64, val uint32) error
}

// LookupClass tells the resolver what kind of reference is being bound.
type LookupClass uint8

const (
	ClassData LookupClass = iota
	ClassPLT              // function call through the PLT
	ClassCopy             // COPY: the referencing object is skipped
)

// Binding is a resolved symbol reference.
type Binding struct {
	Def   symbol.Module // nil for an undefined weak reference
	Sym   elfobj.Sym
	Value uint64 // absolute address; st_value for TLS symbols

	ModID    uint64 // TLS module id of Def
	TPOffset int64  // offset of Def's static TLS block from the thread pointer
	HasTP    bool   // TPOffset is valid
}

// Env resolves symbols and runs resolver code on behalf of the processor.
type Env interface {
	// Bind resolves symbol index idx of obj. Index 0 and local symbols bind
	// to obj itself. An undefined weak reference returns a Binding with a nil
	// Def and no error.
	Bind(ctx context.Context, obj symbol.Module, idx uint32, class LookupClass) (Binding, error)

	// Call runs the zero-argument function at addr and returns its result.
	Call(ctx context.Context, addr uint64) (uint64, error)
}

// Resolver is the capability carried by an IFUNC action: a zero-argument
// function returning the implementation address.
type Resolver func(ctx context.Context) (uint64, error)

// Action is one classified relocation ready to apply.
type Action struct {
	Class
	Type   uint32
	Place  uint64 // absolute address of the field
	Sym    uint32
	Addend int64
	PLT    bool // came from DT_JMPREL
}

// Stats counts what one Relocate call did.
type Stats struct {
	Applied int
	IFuncs  int
	Copies  int
	Lazy    int
}

// Options control one relocation pass.
type Options struct {
	// Lazy leaves PLT slots pointing at trampolines bound on first call.
	Lazy bool
}

// Processor applies relocations.
type Processor struct {
	Mem  Memory
	Env  Env
	Arch elf.Machine
	Lazy *Lazy // trampolines for lazy PLT slots; nil forces eager binding
	Log  *glog.Logger
}

// NewProcessor returns a processor for machine arch.
func NewProcessor(mem Memory, env Env, arch elf.Machine, log *glog.Logger) *Processor {
	if log == nil {
		log = glog.Default()
	}
	return &Processor{Mem: mem, Env: env, Arch: arch, Log: log}
}

// Plan classifies every relocation of obj. Implicit REL addends are read from
// memory here, before any field is written.
func (p *Processor) Plan(obj symbol.Module) ([]Action, error) {
	d := obj.Dynamic()
	base := obj.Base()
	out := make([]Action, 0, d.RelocCount()+len(d.PLT))

	relative := RelativeType(p.Arch)
	for _, off := range d.Relr {
		out = append(out, Action{
			Class: Class{Kind: Relative, Width: 8},
			Type:  relative,
			Place: base + off,
		})
	}
	// RELR addends are implicit.
	for i := range out {
		a, err := p.Mem.ReadU64(out[i].Place)
		if err != nil {
			return nil, fmt.Errorf("%s: read RELR field 0x%x: %w", obj.Name(), out[i].Place, err)
		}
		out[i].Addend = int64(a)
	}

	add := func(recs []elfobj.Reloc, plt bool) error {
		for _, r := range recs {
			c, ok := Classify(p.Arch, r.Type)
			if !ok {
				return lderr.UnsupportedReloc(obj.Name(), r.Type)
			}
			a := Action{Class: c, Type: r.Type, Place: base + r.Offset, Sym: r.Sym, Addend: r.Addend, PLT: plt}
			if !r.Explicit && c.Width > 0 {
				v, err := p.readField(a.Place, c.Width)
				if err != nil {
					return fmt.Errorf("%s: read implicit addend at 0x%x: %w", obj.Name(), a.Place, err)
				}
				if c.Width == 4 {
					a.Addend = int64(int32(uint32(v)))
				} else {
					a.Addend = int64(v)
				}
			}
			out = append(out, a)
		}
		return nil
	}
	if err := add(d.Rel, false); err != nil {
		return nil, err
	}
	if err := add(d.Rela, false); err != nil {
		return nil, err
	}
	if err := add(d.PLT, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Relocate plans and applies every relocation of obj. Ordinary relocations
// are applied first; IFUNC resolvers run afterwards, once each, so they see
// a fully relocated GOT.
func (p *Processor) Relocate(ctx context.Context, obj symbol.Module, opts Options) (Stats, error) {
	acts, err := p.Plan(obj)
	if err != nil {
		return Stats{}, err
	}
	st, err := p.Apply(ctx, obj, acts, opts)
	p.Log.Reloc(obj.Name(), st.Applied, opts.Lazy && p.Lazy != nil)
	return st, err
}

type deferred struct {
	act     Action
	resolve Resolver
	name    string
}

// Apply executes a plan.
func (p *Processor) Apply(ctx context.Context, obj symbol.Module, acts []Action, opts Options) (Stats, error) {
	var st Stats
	var ifuncs []deferred
	for _, a := range acts {
		if a.Kind == None {
			continue
		}
		if a.Kind == IFunc {
			addr := obj.Base() + uint64(a.Addend)
			ifuncs = append(ifuncs, deferred{act: a, resolve: p.resolver(addr)})
			continue
		}
		if a.Kind == Relative {
			if err := p.write(a, obj.Base()+uint64(a.Addend)); err != nil {
				return st, p.fault(obj, a, err)
			}
			st.Applied++
			continue
		}
		if a.Kind == PLTSlot && opts.Lazy && p.Lazy != nil {
			tramp, err := p.Lazy.Install(obj, a)
			if err != nil {
				return st, err
			}
			if err := p.write(a, tramp); err != nil {
				return st, p.fault(obj, a, err)
			}
			st.Lazy++
			st.Applied++
			continue
		}

		class := ClassData
		switch a.Kind {
		case PLTSlot:
			class = ClassPLT
		case Copy:
			class = ClassCopy
		}
		b, err := p.Env.Bind(ctx, obj, a.Sym, class)
		if err != nil {
			return st, err
		}

		// References to IFUNC symbols bind to the resolver's result.
		if b.Def != nil && b.Sym.Type() == elf.STT_GNU_IFUNC && isAddress(a.Kind) {
			ifuncs = append(ifuncs, deferred{act: a, resolve: p.resolver(b.Value), name: b.Sym.Name})
			continue
		}

		if a.Kind == Copy {
			if err := p.copy(obj, a, b); err != nil {
				return st, err
			}
			st.Copies++
			st.Applied++
			continue
		}
		v, err := p.value(obj, a, b)
		if err != nil {
			return st, err
		}
		if !a.fits(v) {
			return st, lderr.Overflow(obj.Name(), b.Sym.Name, a.Type)
		}
		if err := p.write(a, v); err != nil {
			return st, p.fault(obj, a, err)
		}
		st.Applied++
	}

	for _, f := range ifuncs {
		target, err := f.resolve(ctx)
		if err != nil {
			return st, fmt.Errorf("%s: IFUNC resolver for 0x%x: %w", obj.Name(), f.act.Place, err)
		}
		v := target
		if f.act.Kind != IFunc {
			v = p.combine(f.act, target)
			if !f.act.fits(v) {
				return st, lderr.Overflow(obj.Name(), f.name, f.act.Type)
			}
		}
		if err := p.write(f.act, v); err != nil {
			return st, p.fault(obj, f.act, err)
		}
		p.Log.Debug("ifunc", glog.Obj(obj.Name()), glog.Ptr("place", f.act.Place), glog.Ptr("target", target))
		st.IFuncs++
		st.Applied++
	}
	return st, nil
}

func isAddress(k Kind) bool {
	switch k {
	case Absolute, PCRelative, GOTSlot, PLTSlot:
		return true
	}
	return false
}

func (p *Processor) resolver(addr uint64) Resolver {
	return func(ctx context.Context) (uint64, error) {
		return p.Env.Call(ctx, addr)
	}
}

// value computes the field contents for an ordinary relocation.
func (p *Processor) value(obj symbol.Module, a Action, b Binding) (uint64, error) {
	switch a.Kind {
	case Absolute, PCRelative, GOTSlot, PLTSlot:
		// An undefined weak reference binds to zero.
		return p.combine(a, b.Value), nil
	case TLSModule:
		return b.ModID, nil
	case TLSOffset:
		return b.Sym.Value + uint64(a.Addend), nil
	case TLSStatic:
		if !b.HasTP {
			name := b.Sym.Name
			if b.Def != nil {
				name = b.Def.Name()
			}
			return 0, lderr.New(lderr.ErrStaticTLS, obj.Name(),
				fmt.Sprintf("cannot allocate memory in static TLS block for %s", name))
		}
		return uint64(b.TPOffset) + b.Sym.Value + uint64(a.Addend), nil
	case SymSize:
		return b.Sym.Size + uint64(a.Addend), nil
	}
	return 0, lderr.UnsupportedReloc(obj.Name(), a.Type)
}

func (p *Processor) combine(a Action, s uint64) uint64 {
	v := s + uint64(a.Addend)
	if a.Kind == PCRelative {
		v -= a.Place
	}
	return v
}

// copy moves min(source, destination) bytes from the definition found
// after obj in scope into obj's own storage.
func (p *Processor) copy(obj symbol.Module, a Action, b Binding) error {
	if b.Def == nil {
		return lderr.Undefined(obj.Name(), b.Sym.Name)
	}
	dst, err := obj.Dynamic().Symbol(a.Sym)
	if err != nil {
		return fmt.Errorf("%s: copy relocation symbol %d: %w", obj.Name(), a.Sym, err)
	}
	n := b.Sym.Size
	if dst.Size < n {
		n = dst.Size
	}
	if b.Sym.Size != dst.Size {
		p.Log.Warn("copy relocation size mismatch",
			glog.Obj(obj.Name()),
			glog.Sym(b.Sym.Name),
			zap.Uint64("src", b.Sym.Size),
			zap.Uint64("dst", dst.Size),
		)
	}
	if n == 0 {
		return nil
	}
	if err := p.Mem.Copy(a.Place, b.Value, int(n)); err != nil {
		return p.fault(obj, a, err)
	}
	return nil
}

func (p *Processor) readField(addr uint64, width int) (uint64, error) {
	if width == 4 {
		v, err := p.Mem.ReadU32(addr)
		return uint64(v), err
	}
	return p.Mem.ReadU64(addr)
}

func (p *Processor) write(a Action, v uint64) error {
	if a.Width == 4 {
		return p.Mem.WriteU32(a.Place, uint32(v))
	}
	return p.Mem.WriteU64(a.Place, v)
}

func (p *Processor) fault(obj symbol.Module, a Action, err error) error {
	return fmt.Errorf("%s: %s relocation at 0x%x: %w", obj.Name(), TypeName(p.Arch, a.Type), a.Place, err)
}
