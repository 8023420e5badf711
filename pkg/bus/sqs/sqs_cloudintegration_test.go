//go:build cloudintegration

package sqs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/bus"
	bussqs "github.com/3leaps/godetonate/pkg/bus/sqs"
	"github.com/3leaps/godetonate/test/cloudtest"
)

func TestBus_RoundTrip_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue := cloudtest.CreateQueue(t, ctx)
	b, err := bussqs.NewFromConfig(cloudtest.AWSConfigT(t), cloudtest.Endpoint, bussqs.Config{
		Queue:    queue,
		WaitTime: time.Second,
	})
	require.NoError(t, err)

	sent := bus.Completed("u-1", "jobs/u-1/results.zip", time.Now())
	require.NoError(t, b.Publish(ctx, sent))

	got := make(chan bus.CompletionEvent, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = b.Receive(recvCtx, func(_ context.Context, ev bus.CompletionEvent) error {
			got <- ev
			stop()
			return nil
		})
	}()

	select {
	case ev := <-got:
		assert.Equal(t, sent.JobUUID, ev.JobUUID)
		assert.Equal(t, sent.ResultRef, ev.ResultRef)
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}
