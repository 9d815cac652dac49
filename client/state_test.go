package client_test

import (
	"testing"
	"time"

	"github.com/ggoodman/graphql-sse-go/client"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from  client.ConnState
		event client.ConnEvent
		want  client.ConnState
	}{
		{client.StateIdle, client.EventDial, client.StateConnecting},
		{client.StateIdle, client.EventWait, client.StateBackoff},
		{client.StateBackoff, client.EventDial, client.StateConnecting},
		{client.StateBackoff, client.EventLost, client.StateIdle},
		{client.StateConnecting, client.EventEstablished, client.StateConnected},
		{client.StateConnecting, client.EventLost, client.StateIdle},
		{client.StateConnected, client.EventLost, client.StateIdle},
		{client.StateIdle, client.EventDispose, client.StateClosed},
		{client.StateConnecting, client.EventDispose, client.StateClosed},
		{client.StateConnected, client.EventDispose, client.StateClosed},
		{client.StateBackoff, client.EventDispose, client.StateClosed},
		{client.StateClosed, client.EventDispose, client.StateClosed},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.event.String(), func(t *testing.T) {
			got, err := client.Transition(tc.from, tc.event)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	invalid := []struct {
		from  client.ConnState
		event client.ConnEvent
	}{
		{client.StateIdle, client.EventEstablished},
		{client.StateIdle, client.EventLost},
		{client.StateConnecting, client.EventDial},
		{client.StateConnected, client.EventDial},
		{client.StateConnected, client.EventEstablished},
		{client.StateClosed, client.EventDial},
		{client.StateClosed, client.EventLost},
	}
	for _, tc := range invalid {
		t.Run("invalid "+tc.from.String()+"/"+tc.event.String(), func(t *testing.T) {
			_, err := client.Transition(tc.from, tc.event)
			require.Error(t, err)
		})
	}
}

func TestBackoff(t *testing.T) {
	for range 50 {
		d := client.Backoff(0)
		require.GreaterOrEqual(t, d, 1300*time.Millisecond)
		require.Less(t, d, 4*time.Second)

		d = client.Backoff(3)
		require.GreaterOrEqual(t, d, 8300*time.Millisecond)
		require.Less(t, d, 11*time.Second)

		d = client.Backoff(40)
		require.GreaterOrEqual(t, d, 1024*time.Second+300*time.Millisecond)
		require.Less(t, d, 1027*time.Second)
	}
}
