package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/zboralski/rtld/internal/ui/colorize"
)

// execProgram starts the program, calls its entry with argc and argv and
// tears the process image down again.
func execProgram(ctx context.Context, s *session, program string, argv []string) error {
	if _, err := s.ctx.Start(ctx, program, argv[0]); err != nil {
		return &exitError{code: 127, err: err}
	}
	addr, err := writeArgv(s, argv)
	if err != nil {
		return &exitError{code: 127, err: err}
	}
	code, err := s.ctx.Run(ctx, uint64(len(argv)), addr)
	if err != nil {
		return &exitError{code: 127, err: err}
	}
	if _, err := s.ctx.Teardown(ctx); err != nil {
		return &exitError{code: 127, err: err}
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// writeArgv copies argv into guest memory as a NULL-terminated pointer array.
func writeArgv(s *session, argv []string) (uint64, error) {
	m := s.ctx.Machine()
	vec, err := m.Calloc(uint64(len(argv)+1), 8)
	if err != nil {
		return 0, err
	}
	for i, a := range argv {
		p, err := m.Malloc(uint64(len(a) + 1))
		if err != nil {
			return 0, err
		}
		if err := m.WriteCString(p, a); err != nil {
			return 0, err
		}
		if err := m.WriteU64(vec+uint64(i)*8, p); err != nil {
			return 0, err
		}
	}
	return vec, nil
}

// printTrace writes the audit events recorded with --debug.
func (s *session) printTrace(out *outputWriter) {
	if s.rec == nil {
		return
	}
	events := s.rec.Events()
	if len(events) == 0 {
		return
	}
	out.Write(colorize.Header(fmt.Sprintf("trace %s (%d events)", s.rec.Session(), len(events))))
	for _, e := range events {
		var b strings.Builder
		b.WriteString(colorize.Address(e.Addr))
		b.WriteString("  ")
		b.WriteString(colorize.Tag(fmt.Sprintf("%-9s", e.PrimaryTag())))
		b.WriteString("  ")
		b.WriteString(colorize.Object(e.Name))
		if e.Detail != "" {
			b.WriteString(" ")
			b.WriteString(colorize.Detail(e.Detail))
		}
		for i, t := range e.Tags {
			if i > 0 {
				b.WriteString(" ")
				b.WriteString(colorize.Tag("#" + string(t)))
			}
		}
		out.Write(b.String())
	}
}
