package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/eventlog"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	ResourceCount int       `json:"resource_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes the retained window of every resource in the log to w,
// resources in id order and envelopes in sequence order, and returns the
// number of envelopes written. A resource whose oldest envelopes were
// evicted gets a "truncated" record before its envelopes.
func ExportJSONL(ctx context.Context, log eventlog.Log, w io.Writer, now time.Time) (int, error) {
	resources, err := log.Resources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resources: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:       "1",
		Type:          "header",
		Timestamp:     now.UTC(),
		ResourceCount: len(resources),
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	total := 0
	for _, res := range resources {
		var after int64
		for first := true; ; first = false {
			page, err := log.After(ctx, res, after, eventlog.MaxLimit)
			if err != nil {
				return total, fmt.Errorf("read %s: %w", res, err)
			}
			if first && page.Truncated {
				if err := enc.Encode(record{Type: "truncated", Data: map[string]string{"resource_id": res}}); err != nil {
					return total, fmt.Errorf("encode truncated %s: %w", res, err)
				}
			}
			for _, env := range page.Events {
				if err := enc.Encode(record{Type: "envelope", Data: env}); err != nil {
					return total, fmt.Errorf("encode envelope %s: %w", env.ID, err)
				}
				total++
			}
			if !page.HasMore || len(page.Events) == 0 {
				break
			}
			after = page.Last()
		}
	}
	return total, nil
}
