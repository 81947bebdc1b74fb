package processing

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ResultStatus tags the payload of an Envelope.
type ResultStatus string

// Result statuses.
const (
	ResultSuccess        ResultStatus = "success"
	ResultSerializeError ResultStatus = "serialize_error"
	ResultError          ResultStatus = "result_error"
)

// Envelope is the single message a child writes to its result pipe. Payload
// holds codec bytes on success and the error text otherwise.
type Envelope struct {
	Status  ResultStatus `json:"status"`
	Payload []byte       `json:"payload"`
}

func successEnvelope(data []byte) Envelope {
	return Envelope{Status: ResultSuccess, Payload: data}
}

func errorEnvelope(status ResultStatus, msg string) Envelope {
	return Envelope{Status: status, Payload: []byte(msg)}
}

// Text returns the payload of an error envelope as a string.
func (e Envelope) Text() string {
	return string(e.Payload)
}

// WriteEnvelope writes env to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// ResultChannel is the owner's end of a child's result pipe. It is filled
// once from the pipe and drained at most once.
type ResultChannel struct {
	mu      sync.Mutex
	env     *Envelope
	err     error
	drained bool
	filled  chan struct{}
}

func newResultChannel() *ResultChannel {
	return &ResultChannel{filled: make(chan struct{})}
}

// fill reads the pipe until EOF. An empty pipe leaves the channel empty.
func (c *ResultChannel) fill(r io.Reader) {
	defer close(c.filled)

	data, err := io.ReadAll(r)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.err = fmt.Errorf("read result pipe: %w", err)
		return
	}
	if len(data) == 0 {
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.err = fmt.Errorf("decode envelope: %w", err)
		return
	}
	c.env = &env
}

// Filled is closed once the pipe reached EOF.
func (c *ResultChannel) Filled() <-chan struct{} {
	return c.filled
}

// Drain returns the envelope the first time it is called after the pipe was
// filled. Later calls, and calls on an empty or unreadable channel, return
// false; the error explains the latter cases.
func (c *ResultChannel) Drain() (Envelope, bool, error) {
	select {
	case <-c.filled:
	default:
		return Envelope{}, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		return Envelope{}, false, nil
	}
	c.drained = true
	if c.err != nil {
		return Envelope{}, false, c.err
	}
	if c.env == nil {
		return Envelope{}, false, nil
	}
	return *c.env, true, nil
}
