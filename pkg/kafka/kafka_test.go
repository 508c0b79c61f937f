package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyHandler struct {
	failures int
	calls    int
}

func (h *flakyHandler) Topic() string { return "adjustments" }

func (h *flakyHandler) Handle(context.Context, []byte) error {
	h.calls++
	if h.calls <= h.failures {
		return errors.New("not yet")
	}
	return nil
}

func newTestConsumer(t *testing.T, retries int) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(retries, time.Millisecond, 2*time.Millisecond),
		WithConsumerRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return c
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)

	_, err = NewProducer()
	assert.Error(t, err)
}

func TestConsumerHandle_Retries(t *testing.T) {
	c := newTestConsumer(t, 2)
	msg := &message{topic: "adjustments", data: []byte(`{}`)}

	h := &flakyHandler{failures: 2}
	attempts, err := c.handle(h, msg)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	h = &flakyHandler{failures: 10}
	attempts, err = c.handle(h, msg)
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

type panicHandler struct{}

func (panicHandler) Topic() string                        { return "adjustments" }
func (panicHandler) Handle(context.Context, []byte) error { panic("boom") }

func TestConsumerHandle_RecoversPanic(t *testing.T) {
	c := newTestConsumer(t, 0)
	_, err := c.handle(panicHandler{}, &message{topic: "adjustments"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestConsumerHandle_HookSeesErrors(t *testing.T) {
	c := newTestConsumer(t, 1)
	var errs, afters int
	c.WithConsumerHook(HookFuncs{
		After: func(context.Context, string, kafka.Message, []byte, error) { afters++ },
		Err:   func(context.Context, string, kafka.Message, []byte, error) { errs++ },
	})

	_, err := c.handle(&flakyHandler{failures: 1}, &message{topic: "adjustments"})
	require.NoError(t, err)
	assert.Equal(t, 2, afters)
	assert.Equal(t, 1, errs)
}

func TestHookChain(t *testing.T) {
	var order []string
	mk := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, km, append(data, name...), nil
			},
			After: func(context.Context, string, kafka.Message, []byte, error) {
				order = append(order, "after:"+name)
			},
		}
	}
	panicky := HookFuncs{After: func(context.Context, string, kafka.Message, []byte, error) { panic("x") }}

	chain := NewHookChain(mk("a"), nil, panicky, mk("b"))
	ctx, km, data, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))

	assert.NotPanics(t, func() { chain.AfterHandle(ctx, "t", km, data, nil) })
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, order)
}

func TestHookChain_BeforePanicBecomesError(t *testing.T) {
	var notified error
	chain := NewHookChain(
		HookFuncs{Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, err error) { notified = err }},
		HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("bad hook")
		}},
	)
	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)

	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
	assert.Equal(t, err, notified)
}

func TestBackoffWithJitter(t *testing.T) {
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
	d := backoffWithJitter(10*time.Millisecond, 80*time.Millisecond, 1)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.LessOrEqual(t, d, 10*time.Millisecond)
}

func TestStartOffset(t *testing.T) {
	assert.Equal(t, kafka.LastOffset, startOffset("latest"))
	assert.Equal(t, kafka.FirstOffset, startOffset("earliest"))
	assert.Equal(t, kafka.FirstOffset, startOffset(""))
}

func TestEncodeValue(t *testing.T) {
	b, err := encodeValue("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(b))

	b, err = encodeValue(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))

	_, err = encodeValue(func() {})
	assert.Error(t, err)
}
