package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/amqprouter/contracts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// namedHandler records its name; bindings of several instances use Named
type namedHandler struct {
	name string
	log  *callLog
	err  error
}

func (h *namedHandler) Handle(_ context.Context, _ *contracts.MessageContext) error {
	h.log.record(h.name)
	return h.err
}

type fileHandler struct {
	log *callLog
}

func (h *fileHandler) Handle(_ context.Context, _ *contracts.MessageContext) error {
	h.log.record("file")
	return nil
}

type reportHandler struct {
	log *callLog
}

func (h *reportHandler) Handle(_ context.Context, _ *contracts.MessageContext) error {
	h.log.record("report")
	return nil
}

type countingAcker struct {
	acks atomic.Int32
}

func (a *countingAcker) Ack(uint64, bool) error {
	a.acks.Add(1)
	return nil
}

func newDelivery(exchange, routingKey string) (*contracts.MessageContext, *countingAcker) {
	acker := &countingAcker{}
	msg := contracts.NewMessageContext(exchange, routingKey, []byte("payload"),
		contracts.WithDelivery(1, acker))
	return msg, acker
}
