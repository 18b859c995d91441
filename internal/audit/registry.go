package audit

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/zboralski/rtld/internal/lderr"
	glog "github.com/zboralski/rtld/internal/log"
)

// Host is the loader surface auditors may call back into. Handles are
// opaque tokens.
type Host interface {
	Dlopen(ctx context.Context, name string, mode int) (uint64, error)
	Dlmopen(ctx context.Context, lmid int, name string, mode int) (uint64, error)
	Dlsym(ctx context.Context, handle uint64, name string) (uint64, error)
	Dlclose(ctx context.Context, handle uint64) error
	Read64(addr uint64) (uint64, error)
}

// Factory creates an auditor bound to host.
type Factory func(host Host, log *glog.Logger) (Auditor, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes an auditor available to LD_AUDIT by name.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// Registered returns the names of the built-in auditors.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// key maps "libtrace.so", "/opt/audit/trace.so" and "trace" to "trace".
func key(name string) string {
	k := path.Base(name)
	k = strings.TrimSuffix(k, ".so")
	return strings.TrimPrefix(k, "lib")
}

// Open loads the auditor named by an LD_AUDIT element. Names ending in .js
// are read from fs and run as scripts; anything else must be registered.
func Open(fs afero.Fs, name string, host Host, log *glog.Logger) (Auditor, error) {
	if log == nil {
		log = glog.Default()
	}
	if strings.HasSuffix(name, ".js") {
		src, err := afero.ReadFile(fs, name)
		if err != nil {
			return nil, lderr.Wrap(lderr.ErrNotFound, name, "cannot load auditing interface", err)
		}
		return NewScript(name, src, host, log)
	}
	regMu.RLock()
	f, ok := factories[name]
	if !ok {
		f, ok = factories[key(name)]
	}
	regMu.RUnlock()
	if !ok {
		return nil, lderr.New(lderr.ErrNotFound, name, "cannot load auditing interface")
	}
	return f(host, log)
}
