package core

import (
	"errors"
	"strings"
	"sync"
)

// ErrStreamConsumed is returned when a DataStream is consumed twice.
var ErrStreamConsumed = errors.New("data stream already consumed")

// DataStream is a lazy, single-consumption sequence of text chunks, one per
// upstream emission. It backs streaming responses: the producer (typically
// an LLM adapter) writes chunks into the channel and closes it when done.
type DataStream struct {
	mu       sync.Mutex
	ch       <-chan string
	consumed bool
}

// NewDataStream wraps a chunk channel. The producer must close the channel
// to terminate the stream.
func NewDataStream(ch <-chan string) *DataStream {
	return &DataStream{ch: ch}
}

// Consume hands over the chunk channel. A stream can be consumed exactly
// once; later calls fail.
func (d *DataStream) Consume() (<-chan string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumed {
		return nil, ErrStreamConsumed
	}
	d.consumed = true
	return d.ch, nil
}

// Collect drains the whole stream into one string. Useful when a streaming
// producer feeds a non-streaming client.
func (d *DataStream) Collect() (string, error) {
	ch, err := d.Consume()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range ch {
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// SSELine formats one chunk as a Server-Sent-Events data line.
func SSELine(chunk string) string {
	return "data: " + chunk + "\n\n"
}
