package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/pulse/internal/model"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	fetchErrs int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("rebalance in progress")
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeProcessor struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (p *fakeProcessor) Process(_ context.Context, job model.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if job.Event.URL == "/fail" {
		return errors.New("storage failure")
	}
	return nil
}

func (p *fakeProcessor) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Event.URL)
	}
	return out
}

func message(t *testing.T, offset int64, url string) kafka.Message {
	t.Helper()
	data, err := json.Marshal(model.Job{Event: model.TrackingEvent{ProjectID: "p", SessionID: "s", URL: url}})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: data}
}

func TestKafkaConsumer_CommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: 1,
		queue: []kafka.Message{
			message(t, 1, "/a"),
			{Offset: 2, Value: []byte("{not json")},
			message(t, 3, "/fail"),
			message(t, 4, "/b"),
		},
	}
	proc := &fakeProcessor{}
	c := &KafkaConsumer{reader: reader, processor: proc, topic: "events", group: "g"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.Committed())
	assert.Equal(t, []string{"/a", "/fail", "/b"}, proc.URLs())
	require.NoError(t, c.Close())
}
