package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/bus"
)

var ts = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// fakeSQS is a single-queue emulation: received messages stay queued until
// deleted.
type fakeSQS struct {
	mu       sync.Mutex
	seq      int
	messages map[string]string // receipt -> body
	order    []string
	deleted  []string
	urlCalls int
	urlFails int // GetQueueUrl calls left to fail
	recvErr  error
}

func newFakeSQS() *fakeSQS { return &fakeSQS{messages: map[string]string{}} }

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	if f.urlFails > 0 {
		f.urlFails--
		return nil, errors.New("transient dns failure")
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/000/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprint(f.seq))}, nil
}

func (f *fakeSQS) put(body string) {
	f.seq++
	receipt := fmt.Sprintf("r-%d", f.seq)
	f.messages[receipt] = body
	f.order = append(f.order, receipt)
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.recvErr != nil {
		err := f.recvErr
		f.recvErr = nil
		f.mu.Unlock()
		return nil, err
	}
	var out []types.Message
	for _, r := range f.order {
		if body, ok := f.messages[r]; ok {
			out = append(out, types.Message{Body: aws.String(body), ReceiptHandle: aws.String(r), MessageId: aws.String(r)})
		}
	}
	f.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := aws.ToString(in.ReceiptHandle)
	delete(f.messages, r)
	f.deleted = append(f.deleted, r)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestNew_RequiresQueue(t *testing.T) {
	_, err := New(newFakeSQS(), Config{})
	assert.Error(t, err)
}

func TestPublishReceive_AcksOnSuccess(t *testing.T) {
	api := newFakeSQS()
	b, err := New(api, Config{Queue: "detonation-events", RetryDelay: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, bus.Completed("u-1", "jobs/u-1/results.zip", ts)))
	require.NoError(t, b.Publish(ctx, bus.Failed("u-2", "boom", ts)))

	var mu sync.Mutex
	var got []bus.CompletionEvent
	go func() {
		_ = b.Receive(ctx, func(_ context.Context, ev bus.CompletionEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return api.remaining() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "u-1", got[0].JobUUID)
	assert.Equal(t, bus.StatusFailed, got[1].Status)
	assert.Equal(t, 1, api.urlCalls, "queue URL resolved once")
}

func TestReceive_HandlerErrorLeavesMessage(t *testing.T) {
	api := newFakeSQS()
	b, err := New(api, Config{Queue: "https://sqs.local/000/q"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.Failed("u-1", "boom", ts)))

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		_ = b.Receive(ctx, func(context.Context, bus.CompletionEvent) error {
			attempts++
			if attempts >= 3 {
				cancel()
			}
			return errors.New("store unavailable")
		})
	}()
	<-ctx.Done()

	assert.Equal(t, 1, api.remaining())
	assert.Zero(t, api.urlCalls, "URL used verbatim")
}

func TestReceive_DropsPoisonMessages(t *testing.T) {
	api := newFakeSQS()
	api.put("not json")
	api.put(`{"action":"job_update","job_uuid":"u","status":"completed"}`)

	b, err := New(api, Config{Queue: "q"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var called atomic.Bool
	go func() {
		_ = b.Receive(ctx, func(context.Context, bus.CompletionEvent) error {
			called.Store(true)
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return api.remaining() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.False(t, called.Load())
}

func TestReceive_RetriesAfterReceiveError(t *testing.T) {
	api := newFakeSQS()
	api.recvErr = errors.New("throttled")
	api.put(`{"action":"job_update","job_uuid":"u","status":"failed","error":"x","timestamp":"2026-10-18T12:00:00Z"}`)

	b, err := New(api, Config{Queue: "q", RetryDelay: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Receive(ctx, func(context.Context, bus.CompletionEvent) error { return nil })
	}()

	assert.Eventually(t, func() bool { return api.remaining() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPublish_RejectsInvalidEvent(t *testing.T) {
	api := newFakeSQS()
	b, err := New(api, Config{Queue: "q"})
	require.NoError(t, err)

	err = b.Publish(context.Background(), bus.Completed("u", "", ts))
	assert.ErrorIs(t, err, bus.ErrInvalidEvent)
	assert.Zero(t, api.remaining())
}

func TestPublish_ResolvesQueueAgainAfterLookupFailure(t *testing.T) {
	api := newFakeSQS()
	api.urlFails = 1
	b, err := New(api, Config{Queue: "detonation-events"})
	require.NoError(t, err)
	ctx := context.Background()

	err = b.Publish(ctx, bus.Completed("u-1", "jobs/u-1/results.zip", ts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient dns failure")

	require.NoError(t, b.Publish(ctx, bus.Completed("u-1", "jobs/u-1/results.zip", ts)))
	require.NoError(t, b.Publish(ctx, bus.Failed("u-2", "boom", ts)))
	assert.Equal(t, 2, api.urlCalls, "successful lookup is cached")
	assert.Equal(t, 2, api.remaining())
}

func TestReceive_RetriesQueueLookup(t *testing.T) {
	api := newFakeSQS()
	api.urlFails = 2
	api.put(`{"action":"job_update","job_uuid":"u","status":"failed","error":"x","timestamp":"2026-10-18T12:00:00Z"}`)

	b, err := New(api, Config{Queue: "detonation-events", RetryDelay: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- b.Receive(ctx, func(context.Context, bus.CompletionEvent) error { return nil })
	}()

	assert.Eventually(t, func() bool { return api.remaining() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
