package main

import (
	"context"
	"fmt"

	"github.com/zboralski/rtld/internal/linkmap"
)

// list prints the program's dependencies the way ldd does.
func list(ctx context.Context, s *session, out *outputWriter, program string) error {
	maps, missing, err := s.ctx.List(ctx, program)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	for _, m := range maps {
		if m.Has(linkmap.Main) {
			continue
		}
		name := m.Name()
		if m.Soname != "" {
			name = m.Soname
		}
		out.Write(fmt.Sprintf("\t%s => %s (0x%016x)", name, m.Path, m.Start))
	}
	for _, name := range missing {
		out.Write(fmt.Sprintf("\t%s => not found", name))
	}
	if len(missing) > 0 {
		return &exitError{code: 1}
	}
	return nil
}
