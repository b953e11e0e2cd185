package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/pulse/internal/model"
)

type recorder struct {
	mu       sync.Mutex
	seen     map[string][]string
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	failURL  string
}

func (r *recorder) Dispatch(_ context.Context, job model.Job) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(r.delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string][]string)
	}
	r.seen[job.Event.SessionID] = append(r.seen[job.Event.SessionID], job.Event.URL)
	if job.Event.URL == r.failURL {
		return errors.New("storage failure")
	}
	return nil
}

func jobFor(session, url string) model.Job {
	return model.Job{Event: model.TrackingEvent{ProjectID: "p", SessionID: session, URL: url}}
}

func TestFanOut_KeepsPerSessionOrder(t *testing.T) {
	r := &recorder{delay: time.Millisecond}
	var jobs []model.Job
	for i := 0; i < 5; i++ {
		for _, s := range []string{"a", "b", "c"} {
			jobs = append(jobs, jobFor(s, fmt.Sprintf("/%s/%d", s, i)))
		}
	}

	FanOut(context.Background(), r, jobs, 8)

	for _, s := range []string{"a", "b", "c"} {
		require.Len(t, r.seen[s], 5)
		for i, url := range r.seen[s] {
			assert.Equal(t, fmt.Sprintf("/%s/%d", s, i), url)
		}
	}
}

func TestFanOut_RespectsLimit(t *testing.T) {
	r := &recorder{delay: 5 * time.Millisecond}
	var jobs []model.Job
	for i := 0; i < 20; i++ {
		jobs = append(jobs, jobFor(fmt.Sprintf("s%d", i), "/"))
	}

	FanOut(context.Background(), r, jobs, 4)

	assert.LessOrEqual(t, r.peak.Load(), int32(4))
	assert.Len(t, r.seen, 20)
}

func TestFanOut_FailureIsIsolated(t *testing.T) {
	r := &recorder{failURL: "/bad"}
	jobs := []model.Job{
		jobFor("s1", "/bad"),
		jobFor("s1", "/after-bad"),
		jobFor("s2", "/ok"),
	}

	FanOut(context.Background(), r, jobs, 2)

	assert.Equal(t, []string{"/bad", "/after-bad"}, r.seen["s1"])
	assert.Equal(t, []string{"/ok"}, r.seen["s2"])
}

func TestFanOut_EmptyAndZeroLimit(t *testing.T) {
	r := &recorder{}
	FanOut(context.Background(), r, nil, 4)
	assert.Empty(t, r.seen)

	FanOut(context.Background(), r, []model.Job{jobFor("s", "/")}, 0)
	assert.Len(t, r.seen["s"], 1)
}

type processorFunc func(context.Context, model.Job) error

func (f processorFunc) Process(ctx context.Context, job model.Job) error { return f(ctx, job) }

func TestInline_DelegatesToProcessor(t *testing.T) {
	var got model.Job
	d := NewInline(processorFunc(func(_ context.Context, job model.Job) error {
		got = job
		return errors.New("boom")
	}))

	err := d.Dispatch(context.Background(), jobFor("s", "/x"))
	require.EqualError(t, err, "boom")
	assert.Equal(t, "/x", got.Event.URL)
}
