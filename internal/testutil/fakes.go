package testutil

import (
	"context"
	"sync"

	"github.com/courtside/photodesk/internal/submit"
)

// SinkCall records one Send.
type SinkCall struct {
	Credential string
	Payload    *submit.Payload
}

// FakeSink implements submit.Sink and records every call.
type FakeSink struct {
	mu    sync.Mutex
	calls []SinkCall

	// Err, when set, is returned by Send instead of an Ack.
	Err error
	// Block, when set, is waited on before Send returns.
	Block chan struct{}
	// Entered receives once per Send before it blocks.
	Entered chan struct{}
}

// NewFakeSink creates a sink that accepts everything.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (s *FakeSink) Send(ctx context.Context, credential string, p *submit.Payload) (*submit.Ack, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SinkCall{Credential: credential, Payload: p})
	err := s.Err
	s.mu.Unlock()

	if s.Entered != nil {
		s.Entered <- struct{}{}
	}
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return nil, &submit.SubmissionError{Reason: submit.ReasonTransport, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return &submit.Ack{Count: len(p.Parts), Message: submit.MessageSuccess, StatusCode: 200}, nil
}

// Calls returns the recorded calls.
func (s *FakeSink) Calls() []SinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SinkCall(nil), s.calls...)
}

var _ submit.Sink = (*FakeSink)(nil)
