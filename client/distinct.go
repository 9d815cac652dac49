package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/sse"
)

// distinct runs one attempt of req over its own event stream. It returns
// nil once the server completes the operation.
func (c *Client) distinct(ctx context.Context, req graphql.Request, deliver func(json.RawMessage)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", eventStreamMediaType)

	resp, err := c.do(ctx, httpReq, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.DebugContext(ctx, "client.distinct.open")

	p := sse.NewParser(sse.Unkeyed)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			msgs, err := p.Parse(buf[:n])
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				if err := c.inspect(msg); err != nil {
					return err
				}
				if msg.Event == sse.EventComplete {
					return nil
				}
				deliver(msg.Payload)
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return aborted(ctx)
			}
			if errors.Is(rerr, io.EOF) {
				c.log.InfoContext(ctx, "client.distinct.eof")
				return &NetworkError{Message: "connection closed before the operation completed"}
			}
			c.log.InfoContext(ctx, "client.distinct.read.fail", slog.String("err", rerr.Error()))
			return &NetworkError{Message: "read failed", Err: rerr}
		}
	}
}
