package flow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/implicitauth/internal"
)

// scriptedSurface plays a script of navigation events synchronously from Load.
type scriptedSurface struct {
	mu       sync.Mutex
	loads    int
	url      string
	ctx      context.Context
	observer NavigationObserver
	err      error
	script   func(o NavigationObserver)
}

func (s *scriptedSurface) Load(ctx context.Context, url string, o NavigationObserver) error {
	s.mu.Lock()
	s.loads++
	s.url = url
	s.ctx = ctx
	s.observer = o
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.script != nil {
		s.script(o)
	}
	return nil
}

func (s *scriptedSurface) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// redirectTo simulates a server redirecting the initial page load to target.
func redirectTo(target string) func(NavigationObserver) {
	return func(o NavigationObserver) {
		o.OnShouldNavigate("https://authn.example.org/oauth2/authorizeCode")
		o.OnLoadStart()
		o.OnShouldNavigate(target)
	}
}

// recordingDelegate records every notification in order.
type recordingDelegate struct {
	mu      sync.Mutex
	events  []string
	calls   int
	success bool
	result  Result
	done    chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{done: make(chan struct{})}
}

func (d *recordingDelegate) OnAuthenticated(success bool, result Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "authenticated")
	d.calls++
	d.success = success
	d.result = result
	if d.calls == 1 {
		close(d.done)
	}
}

func (d *recordingDelegate) OnBusy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "busy")
}

func (d *recordingDelegate) OnIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "idle")
}

func (d *recordingDelegate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the flow to complete")
	}
}

func (d *recordingDelegate) snapshot() ([]string, int, bool, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...), d.calls, d.success, d.result
}

func testOptions() Options {
	return Options{Now: fixedClock, Logger: internal.NoOpLogger()}
}

func TestGetTokenEndToEnd(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1&principalID=p1&expires_in=60")}
	d := newRecordingDelegate()
	c := New(surface, d, Options{Logger: internal.NoOpLogger()})

	start := time.Now()
	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)

	events, calls, success, res := d.snapshot()
	assert.Equal(t, 1, calls)
	assert.True(t, success)
	assert.Equal(t, []string{"busy", "idle", "authenticated"}, events)

	m := res.Map()
	assert.Equal(t, "tok1", m["access_token"])
	assert.Equal(t, "p1", m["principalID"])
	assert.Equal(t, "60", m["expires_in"])
	assert.WithinDuration(t, start.Add(60*time.Second), res.ExpiresAt, 2*time.Second)
	assert.Contains(t, surface.url, "client_id=abc123")
	assert.NotEmpty(t, c.ID())
}

func TestGetTokenRejectsReuse(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1")}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	err := c.GetToken(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrReused)
	assert.Equal(t, 1, surface.loadCount())

	_, calls, _, _ := d.snapshot()
	assert.Equal(t, 1, calls)
}

func TestGetTokenRejectsReuseAfterConfigError(t *testing.T) {
	surface := &scriptedSurface{}
	c := New(surface, newRecordingDelegate(), testOptions())

	req := validRequest()
	req.RedirectURI = "http://localhost/callback"
	require.NoError(t, c.GetToken(context.Background(), req))
	assert.ErrorIs(t, c.GetToken(context.Background(), validRequest()), ErrReused)
	assert.Equal(t, 0, surface.loadCount())
}

func TestGetTokenConfigError(t *testing.T) {
	surface := &scriptedSurface{}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	req := validRequest()
	req.RedirectURI = "http://localhost/callback"
	require.NoError(t, c.GetToken(context.Background(), req))

	// delivered before GetToken returns
	events, calls, success, res := d.snapshot()
	assert.Equal(t, 1, calls)
	assert.False(t, success)
	assert.Equal(t, []string{"authenticated"}, events)
	assert.Equal(t, ErrorSystem, res.Error)
	assert.Contains(t, res.ErrorDescription, KeyRedirectURL)
	assert.Empty(t, res.AccessToken)
	assert.Equal(t, 0, surface.loadCount(), "no load may start for an invalid request")
}

func TestGetTokenServerError(t *testing.T) {
	tests := []struct {
		name    string
		policy  SuccessPolicy
		success bool
	}{
		{"intercept policy", SuccessOnIntercept, true},
		{"token policy", SuccessOnToken, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := &scriptedSurface{script: redirectTo("myapp://redirect#error=access_denied")}
			d := newRecordingDelegate()
			opts := testOptions()
			opts.Policy = tt.policy
			c := New(surface, d, opts)

			require.NoError(t, c.GetToken(context.Background(), validRequest()))
			d.wait(t)

			_, _, success, res := d.snapshot()
			assert.Equal(t, tt.success, success)
			assert.Equal(t, "access_denied", res.Error)
			assert.Empty(t, res.AccessToken)
		})
	}
}

func TestGetTokenTokenPolicySuccess(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1")}
	d := newRecordingDelegate()
	opts := testOptions()
	opts.Policy = SuccessOnToken
	c := New(surface, d, opts)

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)
	_, _, success, _ := d.snapshot()
	assert.True(t, success)
}

func TestGetTokenLoadFailure(t *testing.T) {
	errOffline := errors.New("the Internet connection appears to be offline")

	t.Run("reported by surface", func(t *testing.T) {
		surface := &scriptedSurface{script: func(o NavigationObserver) {
			o.OnShouldNavigate("https://authn.example.org/oauth2/authorizeCode")
			o.OnLoadStart()
			o.OnLoadFailed(errOffline)
		}}
		d := newRecordingDelegate()
		c := New(surface, d, testOptions())

		require.NoError(t, c.GetToken(context.Background(), validRequest()))
		d.wait(t)

		events, calls, success, res := d.snapshot()
		assert.Equal(t, 1, calls)
		assert.False(t, success)
		assert.Equal(t, []string{"busy", "idle", "authenticated"}, events)
		assert.Equal(t, ErrorSystem, res.Error)
		assert.Equal(t, errOffline.Error(), res.ErrorDescription)
	})

	t.Run("load refused", func(t *testing.T) {
		surface := &scriptedSurface{err: errOffline}
		d := newRecordingDelegate()
		c := New(surface, d, testOptions())

		require.NoError(t, c.GetToken(context.Background(), validRequest()))
		d.wait(t)

		_, _, success, res := d.snapshot()
		assert.False(t, success)
		assert.Equal(t, ErrorSystem, res.Error)
		assert.Contains(t, res.ErrorDescription, errOffline.Error())
	})
}

func TestGetTokenCancel(t *testing.T) {
	surface := &scriptedSurface{script: func(o NavigationObserver) {
		o.OnShouldNavigate("https://authn.example.org/oauth2/authorizeCode")
		o.OnLoadStart()
	}}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	c.Cancel()
	d.wait(t)

	events, calls, success, res := d.snapshot()
	assert.Equal(t, 1, calls)
	assert.False(t, success)
	assert.Equal(t, []string{"busy", "idle", "authenticated"}, events)
	assert.Equal(t, ErrorSystem, res.Error)
	assert.Equal(t, ErrCancelled.Error(), res.ErrorDescription)
	assert.ErrorIs(t, context.Cause(surface.ctx), ErrCancelled)

	// late events from the surface are ignored
	assert.Equal(t, Cancel, surface.observer.OnShouldNavigate("myapp://redirect#access_token=late"))
	c.Cancel()
	_, calls, _, _ = d.snapshot()
	assert.Equal(t, 1, calls)
}

func TestGetTokenTimeout(t *testing.T) {
	surface := &scriptedSurface{}
	d := newRecordingDelegate()
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	c := New(surface, d, opts)

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)

	_, _, success, res := d.snapshot()
	assert.False(t, success)
	assert.Equal(t, ErrTimedOut.Error(), res.ErrorDescription)
}

func TestGetTokenParentContextCancelled(t *testing.T) {
	surface := &scriptedSurface{}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.GetToken(ctx, validRequest()))
	cancel()
	d.wait(t)

	_, calls, success, res := d.snapshot()
	assert.Equal(t, 1, calls)
	assert.False(t, success)
	assert.Equal(t, context.Canceled.Error(), res.ErrorDescription)
}

func TestGetTokenReleasesLoadContext(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1")}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)

	select {
	case <-surface.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("load context not released after completion")
	}
	// releasing the load must not report a second outcome
	time.Sleep(10 * time.Millisecond)
	_, calls, success, _ := d.snapshot()
	assert.Equal(t, 1, calls)
	assert.True(t, success)
}

func TestCancelBeforeGetToken(t *testing.T) {
	surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=tok1")}
	d := newRecordingDelegate()
	c := New(surface, d, testOptions())

	c.Cancel()
	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)
	_, _, success, _ := d.snapshot()
	assert.True(t, success)
}

func TestConcurrentFlowsAreIndependent(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := string(rune('a' + i))
			surface := &scriptedSurface{script: redirectTo("myapp://redirect#access_token=" + token)}
			d := newRecordingDelegate()
			c := New(surface, d, testOptions())
			assert.NoError(t, c.GetToken(context.Background(), validRequest()))
			d.wait(t)
			_, _, _, res := d.snapshot()
			assert.Equal(t, token, res.AccessToken)
		}()
	}
	wg.Wait()
}

func TestGetTokenLogsErrorsWithFlowID(t *testing.T) {
	var buf bytes.Buffer
	surface := &scriptedSurface{err: errors.New("surface unavailable")}
	d := newRecordingDelegate()
	opts := testOptions()
	opts.Logger = internal.NewLogger(&buf, internal.LevelDebug)
	c := New(surface, d, opts)

	require.NoError(t, c.GetToken(context.Background(), validRequest()))
	d.wait(t)

	var recorded string
	for line := range strings.SplitSeq(buf.String(), "\n") {
		if strings.Contains(line, "Recording error") {
			recorded = line
		}
	}
	require.NotEmpty(t, recorded)
	assert.Contains(t, recorded, "flow_id="+c.ID())
	assert.Contains(t, recorded, "surface unavailable")
}
