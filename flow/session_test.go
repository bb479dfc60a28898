package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDeliversOutcome(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1&principalID=p1")}
	s, err := Start(context.Background(), surface, validRequest(), testOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o := s.Wait(ctx)
	assert.True(t, o.Success)
	assert.Equal(t, "tok1", o.Result.AccessToken)
	assert.Equal(t, "p1", o.Result.PrincipalID)
}

func TestStartConfigError(t *testing.T) {
	req := validRequest()
	req.ResponseType = "code"
	s, err := Start(context.Background(), &scriptedSurface{}, req, testOptions())
	require.NoError(t, err)

	o := s.Wait(context.Background())
	assert.False(t, o.Success)
	assert.Equal(t, ErrorSystem, o.Result.Error)
	assert.Contains(t, o.Result.ErrorDescription, KeyResponseType)
}

func TestSessionWaitCancelsOnContextDone(t *testing.T) {
	s, err := Start(context.Background(), &scriptedSurface{}, validRequest(), testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	o := s.Wait(ctx)
	assert.False(t, o.Success)
	assert.Equal(t, ErrCancelled.Error(), o.Result.ErrorDescription)

	// cancelling a completed session is harmless
	s.Cancel()
}

func TestSessionWaitAfterResultRead(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1")}
	s, err := Start(context.Background(), surface, validRequest(), testOptions())
	require.NoError(t, err)

	var received Outcome
	select {
	case received = <-s.Result:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the result")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, received, s.Wait(ctx))
	assert.Equal(t, received, s.Wait(ctx))
	assert.Equal(t, "tok1", received.Result.AccessToken)
}
