package adapter

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decompressReader wraps the response body according to its
// Content-Encoding. The caller closes the returned reader if it is a
// Closer.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}

		return gz, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// scanSSE reads a server-sent-event stream and forwards each data
// payload as a RawChunk until [DONE], EOF or context cancellation.
// It closes out and the response body when finished.
//
// Every send is guarded by ctx so a consumer that stopped draining
// after cancellation never strands this goroutine.
func scanSSE(ctx context.Context, resp *http.Response, out chan<- RawChunk) {
	defer close(out)
	defer resp.Body.Close()

	body, err := decompressReader(resp)
	if err != nil {
		deliver(ctx, out, RawChunk{Err: err})
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			deliver(ctx, out, RawChunk{Err: ctx.Err()})
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			deliver(ctx, out, RawChunk{Done: true})
			return
		}

		if !deliver(ctx, out, RawChunk{Body: []byte(data)}) {
			deliver(ctx, out, RawChunk{Err: ctx.Err()})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		deliver(ctx, out, RawChunk{Err: fmt.Errorf("read stream: %w", err)})
		return
	}

	if ctx.Err() != nil {
		deliver(ctx, out, RawChunk{Err: ctx.Err()})
		return
	}

	// Upstream closed without [DONE]; treat a clean EOF as end of stream.
	deliver(ctx, out, RawChunk{Done: true})
}

// deliver sends the chunk unless ctx ends first. It reports whether the
// chunk was handed to the consumer. A chunk that still fits the buffer
// is delivered even after expiry, so the terminal timeout chunk reaches
// a consumer that is still draining.
func deliver(ctx context.Context, out chan<- RawChunk, chunk RawChunk) bool {
	select {
	case out <- chunk:
		return true
	default:
	}

	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// isStreamingResponse reports whether the upstream reply is an event
// stream rather than a buffered JSON body.
func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "stream")
}
