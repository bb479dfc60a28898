// Package headless provides a flow.Surface that drives an authentication flow over plain HTTP,
// without a browser. It follows the server's redirects itself and asks the observer before every
// hop, so the redirect URI is never requested. It only completes flows the server answers with
// redirects alone, for example when a session cookie is already present in the cookie jar.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/getlantern/implicitauth/flow"
	"github.com/getlantern/implicitauth/traces"
)

var (
	// ErrInteractionRequired is reported when the server answers with a page instead of a
	// redirect. A headless surface cannot fill in login forms.
	ErrInteractionRequired = errors.New("page requires user interaction")
	// ErrTooManyRedirects is reported when the redirect chain exceeds Options.MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrUnexpectedStatus is reported for responses that are neither redirects nor pages.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

const (
	defaultMaxRedirects = 10
	defaultRetryWait    = 500 * time.Millisecond
	userAgent           = "implicitauth"
)

// Options configure a Surface.
type Options struct {
	// Transport is the underlying transport. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Jar holds the cookies of the authentication server's session. Optional.
	Jar http.CookieJar
	// Timeout bounds each request. Zero means no timeout.
	Timeout time.Duration
	// RetryMax is the number of times a request is retried on connection errors and 5xx
	// responses.
	RetryMax int
	// RetryWait is the minimum wait between retries. Defaults to 500ms.
	RetryWait time.Duration
	// MaxRedirects defaults to 10.
	MaxRedirects int
	Logger       *slog.Logger
}

// Surface is a headless flow.Surface.
type Surface struct {
	client       *resty.Client
	maxRedirects int
	logger       *slog.Logger
}

var _ flow.Surface = (*Surface)(nil)

// New returns a Surface configured with opts.
func New(opts Options) *Surface {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = retryWait
	rc.RetryWaitMax = 4 * retryWait
	rc.Logger = logger
	// hand the last response back once retries are exhausted so the status can be reported
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient = &http.Client{
		Transport:     traces.NewRoundTripper(opts.Transport),
		CheckRedirect: noRedirect,
		Timeout:       opts.Timeout,
	}

	hc := &http.Client{
		Transport: &retryablehttp.RoundTripper{Client: rc},
		Jar:       opts.Jar,
	}
	client := resty.NewWithClient(hc).
		SetRedirectPolicy(resty.RedirectPolicyFunc(noRedirect)).
		SetHeader("User-Agent", userAgent)

	return &Surface{
		client:       client,
		maxRedirects: maxRedirects,
		logger:       logger,
	}
}

// noRedirect hands every redirect back to the caller, which decides whether to follow it.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Load starts loading rawURL in a new goroutine and returns immediately.
func (s *Surface) Load(ctx context.Context, rawURL string, observer flow.NavigationObserver) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	go s.run(ctx, rawURL, observer)
	return nil
}

func (s *Surface) run(ctx context.Context, target string, observer flow.NavigationObserver) {
	for hops := 0; ; hops++ {
		if ctx.Err() != nil {
			observer.OnLoadFailed(context.Cause(ctx))
			return
		}
		if hops > s.maxRedirects {
			observer.OnLoadFailed(ErrTooManyRedirects)
			return
		}
		if observer.OnShouldNavigate(target) == flow.Cancel {
			s.logger.Debug("Navigation cancelled by observer", "hops", hops)
			return
		}
		observer.OnLoadStart()

		resp, err := s.client.R().SetContext(ctx).Get(target)
		if err != nil {
			if ctx.Err() != nil {
				observer.OnLoadFailed(context.Cause(ctx))
				return
			}
			observer.OnLoadFailed(fmt.Errorf("loading page from %s: %w", hostOf(target), unwrapURLError(err)))
			return
		}
		code := resp.StatusCode()
		switch {
		case isRedirect(code):
			next, err := resolve(target, resp.Header().Get("Location"))
			if err != nil {
				observer.OnLoadFailed(err)
				return
			}
			s.logger.Debug("Following redirect", "status", code, "host", hostOf(next))
			target = next
		case code >= 200 && code < 300:
			observer.OnLoadFinish()
			observer.OnLoadFailed(ErrInteractionRequired)
			return
		default:
			observer.OnLoadFailed(fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, code, hostOf(target)))
			return
		}
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolve returns the absolute target of a Location header sent in response to a request for
// current.
func resolve(current, location string) (string, error) {
	if location == "" {
		return "", errors.New("redirect without Location header")
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing Location header: %w", err)
	}
	// Absolute targets are kept verbatim so a captured redirect is exactly what the server sent.
	if loc.IsAbs() {
		return location, nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	return base.ResolveReference(loc).String(), nil
}

// unwrapURLError drops the *url.Error wrapper, whose message includes the full URL.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
