package client

import (
	"context"

	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// conversation performs strict request/response exchanges over a LineChannel.
type conversation struct {
	ch      *wire.LineChannel
	logger  logger.Logger
	metrics *Metrics
}

func (c *conversation) exchange(ctx context.Context, req wire.Request) (*wire.Response, error) {
	if req.Command == wire.CmdPass {
		c.logger.Debug("send", "request", wire.CmdPass+" ********")
	} else {
		c.logger.Debug("send", "request", req.String())
	}

	if err := c.ch.Send(ctx, req.String()); err != nil {
		return nil, err
	}
	c.metrics.incRequestCount()

	return c.receive(ctx)
}

func (c *conversation) receive(ctx context.Context) (*wire.Response, error) {
	line, err := c.ch.ReceiveLine(ctx)
	if err != nil {
		if wire.IsProtocolError(err) {
			c.metrics.incProtocolErrCount()
		}
		return nil, err
	}
	c.logger.Debug("recv", "response", line)

	resp, err := wire.ParseResponse(line)
	if err != nil {
		c.metrics.incProtocolErrCount()
		return nil, err
	}
	c.metrics.incResponseCount(resp.Code)

	return resp, nil
}

// unexpected records and returns a ProtocolError for a response the command does not accept.
func (c *conversation) unexpected(resp *wire.Response) error {
	c.metrics.incProtocolErrCount()
	return wire.Unexpected(resp)
}
