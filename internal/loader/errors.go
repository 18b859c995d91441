package loader

import (
	"context"

	"github.com/zboralski/rtld/internal/lderr"
	"go.uber.org/zap"
)

// fail records err as the calling thread's pending dlerror text and returns
// it unchanged.
func (c *Context) fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	th := c.thread(ctx)
	c.errMu.Lock()
	c.errs[th.ID] = lderr.Message(err)
	c.errMu.Unlock()
	c.log.Debug("dlerror", zap.Int("thread", th.ID), zap.Error(err))
	return err
}

// Dlerror returns the calling thread's last loader error and clears it. It
// returns "" when no error is pending.
func (c *Context) Dlerror(ctx context.Context) string {
	th := c.thread(ctx)
	c.errMu.Lock()
	defer c.errMu.Unlock()
	msg := c.errs[th.ID]
	delete(c.errs, th.ID)
	return msg
}
