package flow

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// State is the state of a flow's navigation interceptor.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateIntercepted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateIntercepted:
		return "intercepted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// interceptor watches the navigation of a surface for the redirect URI. It cancels the navigation
// to the redirect URI, so the surface never requests it, and parses the captured URI exactly once.
//
// Transitions and the notifications they trigger happen under mu, so a cancellation delivered from
// another goroutine is ordered with the surface's events. Callbacks must not call back into the
// interceptor.
type interceptor struct {
	mu    sync.Mutex
	state State

	redirectURI string
	parser      Parser
	notifier    notifier
	logger      *slog.Logger

	onIntercepted func(Result)
	onFailed      func(error)
}

func newInterceptor(redirectURI string, p Parser, n notifier, logger *slog.Logger, onIntercepted func(Result), onFailed func(error)) *interceptor {
	return &interceptor{
		state:         StateIdle,
		redirectURI:   redirectURI,
		parser:        p,
		notifier:      n,
		logger:        logger,
		onIntercepted: onIntercepted,
		onFailed:      onFailed,
	}
}

// State returns the current state.
func (i *interceptor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *interceptor) OnLoadStart() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateLoading || i.state == StateDone {
		return
	}
	i.notifier.busy()
	i.state = StateLoading
}

func (i *interceptor) OnShouldNavigate(uri string) Decision {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDone {
		return Cancel
	}
	if !strings.HasPrefix(uri, i.redirectURI) {
		i.logger.Debug("Allowing navigation", "host", hostOf(uri), "state", i.state)
		return Allow
	}

	i.state = StateIntercepted
	i.logger.Debug("Intercepted redirect")
	res := i.parser.Parse(uri)
	i.state = StateDone
	i.notifier.idle()
	i.onIntercepted(res)
	return Cancel
}

func (i *interceptor) OnLoadFinish() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateLoading {
		return
	}
	i.notifier.idle()
	i.state = StateIdle
}

func (i *interceptor) OnLoadFailed(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDone {
		return
	}
	wasLoading := i.state == StateLoading
	i.state = StateDone
	if wasLoading {
		i.notifier.idle()
	}
	i.onFailed(err)
}

// hostOf returns the host of uri for logging. The rest of the URI is never logged since it may
// carry credentials.
func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
