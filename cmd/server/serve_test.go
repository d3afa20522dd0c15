package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpa2a/a2a"
	"mcpa2a/a2aclient"
	"mcpa2a/a2aserver"
	"mcpa2a/agent"
	"mcpa2a/events"
	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/taskmanager"
	"mcpa2a/taskstore"
)

// blockingRunner streams one token and then waits to be canceled.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, _ agent.Request, yield func(events.Record) error) error {
	if err := yield(events.NewToken("thinking")); err != nil {
		return err
	}
	<-ctx.Done()
	return context.Cause(ctx)
}

func TestStopServing_OpenStreamGetsFinalEvent(t *testing.T) {
	logger := loggerv2.NewNoop()
	manager := taskmanager.New(taskstore.NewMemoryStore(), blockingRunner{}, taskmanager.Options{Logger: logger})
	card := a2aserver.BuildCard(a2aserver.CardInfo{Name: "calc", URL: "http://localhost", Version: "1.0.0"}, nil)
	httpServer := a2aserver.New(a2aserver.Config{Card: card, Logger: logger}, manager)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = httpServer.Serve(l) }()

	client := a2aclient.New("http://"+l.Addr().String(), nil)
	started := make(chan struct{})
	evCh := make(chan []a2a.StreamEvent, 1)
	errCh := make(chan error, 1)
	go func() {
		var evs []a2a.StreamEvent
		err := client.SendTaskSubscribe(context.Background(), a2aclient.NewTaskParams("what is 2 + 3"), func(ev a2a.StreamEvent) error {
			if len(evs) == 0 {
				close(started)
			}
			evs = append(evs, ev)
			return nil
		})
		evCh <- evs
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	stopServing(ctx, logger, manager, listener{"HTTP", httpServer})
	assert.Less(t, time.Since(begin), 2*time.Second)

	evs := <-evCh
	require.NoError(t, <-errCh)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.NotNil(t, last.Status)
	assert.True(t, last.Status.Final)
	assert.Equal(t, a2a.TaskStateCanceled, last.Status.Status.State)
}
