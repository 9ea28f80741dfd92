package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/notify"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type channelBus struct {
	ch chan []byte
}

func (b channelBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }
func (b channelBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b channelBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}
func (b channelBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestForwarderRelaysFilteredEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(discardLogWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	sender := &recordingSender{}
	// Only imbalance alerts pass the filter.
	notifier := notify.NewNotifier([]notify.Sender{sender}, []string{domain.EventPoolImbalanceDetected}, logger)

	bus := channelBus{ch: make(chan []byte, 4)}
	fw := NewEventForwarder(bus, notifier, logger)

	bus.ch <- domain.Event{
		Type: domain.EventPositionOpened, PoolID: "pool-1", Symbol: "ACME", At: time.Now(),
	}.Marshal()
	bus.ch <- []byte("not json")
	bus.ch <- domain.Event{
		Type: domain.EventPoolImbalanceDetected, PoolID: "pool-1", At: time.Now(),
	}.Marshal()
	close(bus.ch)

	err := fw.Run(context.Background())
	require.NoError(t, err, "closed channel ends the run cleanly")

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "POOL IMBALANCE")
}
