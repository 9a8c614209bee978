package backup

import (
	"sync"

	"github.com/google/uuid"
)

// ProgressEvent reports the state of a running backup. Percent is
// monotonically non-decreasing within a run.
type ProgressEvent struct {
	BackupID       uuid.UUID `json:"backup_id"`
	Percent        int       `json:"percent"`
	Task           string    `json:"task"`
	ProcessedFiles int       `json:"processed_files"`
	TotalFiles     int       `json:"total_files"`
}

// ProgressSink receives progress events from the executor. Publish must
// never block: a slow or absent consumer must not stall a backup run.
type ProgressSink interface {
	Publish(ProgressEvent)
}

// NopSink discards all progress events.
type NopSink struct{}

func (NopSink) Publish(ProgressEvent) {}

// ChannelSink buffers progress events on a channel, dropping intermediate
// events when the consumer falls behind. The terminal state of a run is
// always durable via the persisted backup record, so drops are safe.
type ChannelSink struct {
	ch chan ProgressEvent
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 16
	}
	return &ChannelSink{ch: make(chan ProgressEvent, buffer)}
}

// Publish enqueues the event, dropping it if the buffer is full.
func (s *ChannelSink) Publish(ev ProgressEvent) {
	select {
	case s.ch <- ev:
	default:
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan ProgressEvent {
	return s.ch
}

// FanoutSink broadcasts progress events to a dynamic set of subscribers,
// each with its own buffer. Used to feed websocket clients.
type FanoutSink struct {
	mu   sync.Mutex
	subs map[chan ProgressEvent]struct{}
}

// NewFanoutSink creates an empty fan-out sink.
func NewFanoutSink() *FanoutSink {
	return &FanoutSink{subs: make(map[chan ProgressEvent]struct{})}
}

// Subscribe registers a new subscriber channel.
func (f *FanoutSink) Subscribe() chan ProgressEvent {
	ch := make(chan ProgressEvent, 32)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (f *FanoutSink) Unsubscribe(ch chan ProgressEvent) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking.
func (f *FanoutSink) Publish(ev ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// progressReporter enforces monotonic percentages for one run.
type progressReporter struct {
	backupID uuid.UUID
	sink     ProgressSink
	last     int
}

func newProgressReporter(backupID uuid.UUID, sink ProgressSink) *progressReporter {
	if sink == nil {
		sink = NopSink{}
	}
	return &progressReporter{backupID: backupID, sink: sink}
}

func (p *progressReporter) report(percent int, task string, processed, total int) {
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	p.sink.Publish(ProgressEvent{
		BackupID:       p.backupID,
		Percent:        percent,
		Task:           task,
		ProcessedFiles: processed,
		TotalFiles:     total,
	})
}
