package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddSample appends a timeseries point for a status key.
// The sample goes to the key's stream (bounded length) and the latest value
// is written to the key itself, so Get and subscribers behave exactly as for
// a plain Set.
func (c *Client) AddSample(ctx context.Context, key Key, value float64) (Notification, error) {
	if _, err := ParseKey(string(key)); err != nil {
		return Notification{}, err
	}

	at := c.now()
	formatted := FormatFloat(value)
	n := Notification{Key: key, Value: formatted, TimestampMs: at.UnixMilli()}
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: TimeseriesKey(key),
			MaxLen: c.maxSamples,
			Values: map[string]interface{}{
				"value": formatted,
				"at_ms": strconv.FormatInt(at.UnixMilli(), 10),
			},
		})
		pipe.HSet(ctx, string(key), entryToHash(formatted, at))
		pipe.Publish(ctx, string(key), payload)
		return nil
	})
	if err != nil {
		return Notification{}, fmt.Errorf("failed to add sample to %s: %w", key, err)
	}
	return n, nil
}

// Range returns the samples of a key recorded at or after since, oldest first.
// An empty slice (not an error) is returned when there are no samples.
func (c *Client) Range(ctx context.Context, key Key, since time.Time) ([]Sample, error) {
	start := "-"
	if !since.IsZero() {
		start = fmt.Sprintf("%d-0", since.UnixMilli())
	}

	msgs, err := c.rdb.XRange(ctx, TimeseriesKey(key), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples of %s: %w", key, err)
	}

	samples := make([]Sample, 0, len(msgs))
	for _, msg := range msgs {
		s, err := messageToSample(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode sample %s of %s: %w", msg.ID, key, err)
		}
		if s.At.Before(since) {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func messageToSample(msg redis.XMessage) (Sample, error) {
	rawValue, ok := msg.Values["value"].(string)
	if !ok {
		return Sample{}, fmt.Errorf("missing value field")
	}
	v, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("invalid value: %w", err)
	}

	rawAt, ok := msg.Values["at_ms"].(string)
	if !ok {
		return Sample{}, fmt.Errorf("missing at_ms field")
	}
	ms, err := strconv.ParseInt(rawAt, 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("invalid at_ms: %w", err)
	}

	return Sample{At: time.UnixMilli(ms), Value: v}, nil
}
