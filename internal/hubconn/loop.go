package hubconn

import (
	"errors"
	"io"

	"github.com/g960059/tronclient/internal/reply"
	"github.com/g960059/tronclient/internal/security"
	"github.com/g960059/tronclient/internal/transport"
)

// readLoop is the single processing goroutine of one connection. Replies are
// applied in arrival order; staged keyword updates are flushed when the
// transport has nothing more buffered or TickMaxLines lines were processed.
func (c *Client) readLoop(conn transport.Conn, gen uint64) {
	lines := 0
	for {
		line, err := conn.ReadLine()
		if errors.Is(err, transport.ErrLineTooLong) {
			c.logger.Warn("dropping oversized reply", "error", err)
			continue
		}
		if err != nil {
			c.bus.Flush()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.teardown(gen, err, endLost)
			return
		}
		c.process(line, gen)
		lines++
		if lines >= c.cfg.TickMaxLines || !conn.Buffered() {
			c.bus.Flush()
			lines = 0
		}
	}
}

// process applies one line of connection generation gen. Lines still
// buffered when that generation was torn down are dropped, so nothing lands
// in the store after it was marked stale.
func (c *Client) process(line string, gen uint64) {
	if line == "" {
		return
	}
	r, err := reply.Parse(line)
	if err != nil {
		c.logger.Warn("dropping malformed reply", "line", security.RedactCommand(line), "error", err)
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	updated := c.store.Apply(r, c.now())
	c.bus.Stage(updated...)
	c.mu.Unlock()
	if r.Code.Terminal() && r.CommandID != 0 {
		// subscribers see a command's keywords before it resolves
		c.bus.Flush()
	}
	c.tracker.Dispatch(r)
}
