package stage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"strategy-pipeline/internal/apperr"
)

// Client bounds every call to one back end by a per-call deadline.
type Client struct {
	Role      string
	Backend   Backend
	Timeout   time.Duration
	Retries   int
	MaxTokens int
}

// NewClient builds a client for role.
func NewClient(role string, backend Backend, timeout time.Duration, retries, maxTokens int) *Client {
	return &Client{Role: role, Backend: backend, Timeout: timeout, Retries: retries, MaxTokens: maxTokens}
}

// Close releases the back end when it holds a connection.
func (c *Client) Close() error {
	if cl, ok := c.Backend.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

type callResult struct {
	resp Response
	err  error
}

// Call invokes the back end once. The back end runs on its own goroutine so
// that a call which ignores ctx still returns at the deadline. Failures are
// classified as TimeoutError or UpstreamError.
func (c *Client) Call(ctx context.Context, req Request) (Response, time.Duration, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.MaxTokens
	}
	callCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		resp, err := c.Backend.Call(callCtx, c.Role, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		if res.err != nil {
			return res.resp, elapsed, c.classify(callCtx, res.err)
		}
		if !res.resp.OK {
			msg := res.resp.Error
			if msg == "" {
				msg = "back end reported failure"
			}
			return res.resp, elapsed, &apperr.UpstreamError{Op: c.Role, Err: errors.New(msg)}
		}
		if strings.TrimSpace(res.resp.Output) == "" {
			return res.resp, elapsed, &apperr.UpstreamError{Op: c.Role, Err: errors.New("empty output")}
		}
		return res.resp, elapsed, nil
	case <-callCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Response{}, elapsed, &apperr.TimeoutError{Op: c.Role, Timeout: c.Timeout}
		}
		return Response{}, elapsed, ctx.Err()
	}
}

func (c *Client) classify(callCtx context.Context, err error) error {
	var coded apperr.Coded
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &apperr.TimeoutError{Op: c.Role, Timeout: c.Timeout}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &apperr.UpstreamError{Op: c.Role, Err: err}
}
