package flow

import "context"

// Decision tells a surface whether to follow a pending navigation.
type Decision int

const (
	// Allow lets the surface follow the navigation.
	Allow Decision = iota
	// Cancel stops the navigation before any request is made.
	Cancel
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// NavigationObserver receives the navigation lifecycle events of a single load. Surfaces must
// deliver events for one load serially.
type NavigationObserver interface {
	// OnLoadStart is called when the surface starts loading a page.
	OnLoadStart()
	// OnShouldNavigate is called before the surface navigates to uri, including redirects issued
	// by the server. Returning Cancel must stop the navigation before it is followed.
	OnShouldNavigate(uri string) Decision
	// OnLoadFinish is called when a page finished loading.
	OnLoadFinish()
	// OnLoadFailed is called when a load fails. A surface that will not deliver further events
	// for the load must call it.
	OnLoadFailed(err error)
}

// Surface is the web surface driven by a flow, such as an embedded browser view.
type Surface interface {
	// Load starts loading url and reports its lifecycle to observer. Load must not block until the
	// load completes. Surfaces should stop when ctx is done.
	Load(ctx context.Context, url string, observer NavigationObserver) error
}
