// Package lderr defines the loader's error taxonomy and the fatal-error path.
//
// Every error the loader reports to a dlopen caller is an *Error whose Kind is
// one of the sentinel values below, so callers can match with errors.Is while
// Error() renders the same text dlerror() returns.
package lderr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	glog "github.com/zboralski/rtld/internal/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Error kinds.
var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrInvalidMode      = errors.New("invalid mode")
	ErrNotFound         = errors.New("cannot open shared object file")
	ErrUndefinedSymbol  = errors.New("undefined symbol")
	ErrRelocOverflow    = errors.New("relocation overflow")
	ErrUnsupportedReloc = errors.New("unexpected reloc type")
	ErrHardening        = errors.New("hardening feature mismatch")
	ErrBootstrapAlloc   = errors.New("cannot allocate memory during bootstrap")
	ErrAuditProtocol    = errors.New("audit interface violation")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrNotDynamic       = errors.New("not a dynamic object")
	ErrStaticTLS        = errors.New("cannot allocate memory in static TLS block")
	ErrBadELF           = errors.New("invalid ELF header")
	ErrStale            = errors.New("stale reference")
)

// Error is a loader error carrying the object and symbol it concerns.
type Error struct {
	Kind   error         // one of the Err* sentinels
	Object string        // object the error concerns, if any
	Symbol string        // symbol the error concerns, if any
	Detail string        // message; defaults to Kind's text
	Errno  syscall.Errno // errno reported alongside the message
	Err    error         // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Object != "" {
		b.WriteString(e.Object)
		b.WriteString(": ")
	}
	switch {
	case e.Detail != "":
		b.WriteString(e.Detail)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Symbol != "" && e.Detail == "" {
		b.WriteString(": ")
		b.WriteString(e.Symbol)
	}
	if e.Errno != 0 {
		b.WriteString(": ")
		b.WriteString(errnoText(e.Errno))
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the kind, the errno and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 3)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Errno != 0 {
		out = append(out, e.Errno)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// errnoText renders an errno the way strerror does (capitalised).
func errnoText(n syscall.Errno) string {
	s := n.Error()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// New creates an error of the given kind.
func New(kind error, object, detail string) *Error {
	return &Error{Kind: kind, Object: object, Detail: detail}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind error, object, detail string, err error) *Error {
	return &Error{Kind: kind, Object: object, Detail: detail, Err: err}
}

// Undefined reports a symbol that no object in scope defines.
func Undefined(object, symbol string) *Error {
	return &Error{Kind: ErrUndefinedSymbol, Object: object, Symbol: symbol}
}

// UndefinedVersion reports a symbol whose requested version is not defined.
func UndefinedVersion(object, symbol, version string) *Error {
	return &Error{
		Kind:   ErrUndefinedSymbol,
		Object: object,
		Symbol: symbol,
		Detail: fmt.Sprintf("undefined symbol: %s, version %s", symbol, version),
	}
}

// Overflow reports a relocation value that does not fit its field.
func Overflow(object, symbol string, typ uint32) *Error {
	name := symbol
	if name == "" {
		name = "<local>"
	}
	return &Error{
		Kind:   ErrRelocOverflow,
		Object: object,
		Symbol: symbol,
		Detail: fmt.Sprintf("relocation 0x%x overflow in symbol %s", typ, name),
	}
}

// UnsupportedReloc reports a relocation type the target architecture does not define.
func UnsupportedReloc(object string, typ uint32) *Error {
	return &Error{
		Kind:   ErrUnsupportedReloc,
		Object: object,
		Detail: fmt.Sprintf("unexpected reloc type 0x%x", typ),
	}
}

// InvalidMode reports an EINVAL dlopen mode.
func InvalidMode(detail string) *Error {
	return &Error{Kind: ErrInvalidMode, Detail: detail, Errno: syscall.EINVAL}
}

// NotFound reports an object that could not be located or opened.
func NotFound(name string, err error) *Error {
	if err == nil {
		err = syscall.ENOENT
	}
	e := &Error{Kind: ErrNotFound, Object: name, Detail: "cannot open shared object file"}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	} else {
		e.Err = err
	}
	return e
}

// Message returns the dlerror text of err, prefixing non-loader errors with context.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Append aggregates errors.
func Append(err, other error) error {
	return multierr.Append(err, other)
}

// Errors splits an aggregate error.
func Errors(err error) []error {
	return multierr.Errors(err)
}

// FatalHook is called for unrecoverable loader conditions. The default logs
// the diagnostic, prints it to stderr and exits with status 127.
var FatalHook = func(err error) {
	glog.Default().Error("fatal", zap.Error(err))
	fmt.Fprintf(os.Stderr, "ldso: fatal: %v\n", err)
	os.Exit(127)
}

// Fatal reports an unrecoverable condition through FatalHook.
func Fatal(err error) {
	FatalHook(err)
}
