package main

import (
	"errors"

	"github.com/zboralski/rtld/internal/config"
	"github.com/zboralski/rtld/internal/lderr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Exit statuses of --verify.
const (
	verifyOK         = 0
	verifyNotDynamic = 1
	verifyUnusable   = 2
)

// verify checks every file concurrently. The status is the worst result:
// 1 when some file is not dynamic, 2 when some file cannot be loaded.
func verify(cfg config.Config, files []string) error {
	s, err := newSession(cfg, files[0])
	if err != nil {
		return &exitError{code: verifyUnusable, err: err}
	}
	defer s.Close()

	codes := make([]int, len(files))
	errs := make([]error, len(files))
	var g errgroup.Group
	g.SetLimit(8)
	for i, file := range files {
		g.Go(func() error {
			err := s.ctx.Verify(file)
			switch {
			case err == nil:
				codes[i] = verifyOK
			case errors.Is(err, lderr.ErrNotDynamic):
				codes[i] = verifyNotDynamic
			default:
				codes[i] = verifyUnusable
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	status := verifyOK
	var all error
	for i, code := range codes {
		status = max(status, code)
		if code == verifyUnusable {
			all = multierr.Append(all, errs[i])
		}
	}
	if status == verifyOK {
		return nil
	}
	return &exitError{code: status, err: all}
}
