package cqe

import (
	"context"
	"fmt"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/inlinecrypto"
)

// Kind tells data commands from direct commands.
type Kind int

// Request kinds.
const (
	KindData Kind = iota
	KindDirect
)

func (k Kind) String() string {
	if k == KindDirect {
		return "direct"
	}

	return "data"
}

// A Request is one command submitted to the engine. The engine borrows the
// request, and the buffers its segments point at, until it completes.
type Request struct {
	// ID names the request in hooks and logs. The engine assigns one when
	// it is empty.
	ID string

	Kind      Kind
	Data      desc.DataCommand
	BlockSize uint32
	Direct    desc.DirectCommand

	// Crypto asks for inline encryption. It is only valid on data requests.
	Crypto *inlinecrypto.CryptoContext

	// OnDone is called once per submission, after the request completes or
	// fails, outside the engine lock.
	OnDone func(r *Request)

	tag         int
	inFlight    bool
	done        chan struct{}
	err         error
	bytesXfered uint64
	response    uint32
}

// NewDataRequest creates a data request. blockSize is used to report the
// transferred byte count.
func NewDataRequest(cmd desc.DataCommand, blockSize uint32) *Request {
	return &Request{
		Kind:      KindData,
		Data:      cmd,
		BlockSize: blockSize,
		tag:       -1,
	}
}

// NewDirectRequest creates a direct command request.
func NewDirectRequest(cmd desc.DirectCommand) *Request {
	return &Request{
		Kind:   KindDirect,
		Direct: cmd,
		tag:    -1,
	}
}

// Done returns a channel closed when the request completes. It is nil until
// the request has been accepted by the engine.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome of the request. It is only meaningful after Done
// is closed.
func (r *Request) Err() error {
	return r.err
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	if r.done == nil {
		return fmt.Errorf("request %s was never accepted", r.ID)
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BytesXfered returns the number of bytes a successful data request moved.
func (r *Request) BytesXfered() uint64 {
	return r.bytesXfered
}

// Response returns the response of a completed direct command.
func (r *Request) Response() uint32 {
	return r.response
}

// Tag returns the tag the request was submitted on.
func (r *Request) Tag() int {
	return r.tag
}

func (r *Request) what() string {
	if r.Kind == KindDirect {
		return fmt.Sprintf("cmd%d", r.Direct.Opcode)
	}

	return r.Data.Dir.String()
}

type completion struct {
	req  *Request
	done chan struct{}
}

func deliver(cs []completion) {
	for _, c := range cs {
		close(c.done)

		if c.req.OnDone != nil {
			c.req.OnDone(c.req)
		}
	}
}
