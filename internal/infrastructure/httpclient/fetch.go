package httpclient

import (
	"context"
	"fmt"
	"time"

	"market_preloader/internal/domain/entity"

	"github.com/valyala/fasthttp"
)

// DefaultTimeout applies to upstream requests whose context has no deadline.
const DefaultTimeout = 10 * time.Second

// getJSON performs a GET and returns the body of a 2xx response. Transport
// failures and non-2xx statuses are reported as entity.ErrSourceUnavailable.
func getJSON(ctx context.Context, client *fasthttp.Client, source, requestURL string, headers map[string]string, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, entity.NewSourceError(source, entity.ErrSourceUnavailable, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(requestURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = client.DoDeadline(req, resp, deadline)
	} else {
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		err = client.DoTimeout(req, resp, timeout)
	}
	if err != nil {
		return nil, entity.NewSourceError(source, entity.ErrSourceUnavailable, fmt.Errorf("request to %s: %w", requestURL, err))
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, entity.NewSourceError(source, entity.ErrSourceUnavailable,
			fmt.Errorf("request to %s failed with status %d: %s", requestURL, status, truncate(resp.Body(), 256)))
	}

	// The response is released on return.
	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
