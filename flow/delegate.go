package flow

// Delegate receives the progress and the outcome of a flow.
type Delegate interface {
	// OnAuthenticated is called exactly once per flow. success reports whether a redirect was
	// captured (see [SuccessPolicy]); result may still carry a server error.
	OnAuthenticated(success bool, result Result)
	// OnBusy is called when the flow starts waiting on the server.
	OnBusy()
	// OnIdle is called when the flow stops waiting on the server.
	OnIdle()
}

// DelegateFuncs adapts plain functions to a Delegate. Nil functions are skipped.
type DelegateFuncs struct {
	Authenticated func(success bool, result Result)
	Busy          func()
	Idle          func()
}

func (d DelegateFuncs) OnAuthenticated(success bool, result Result) {
	if d.Authenticated != nil {
		d.Authenticated(success, result)
	}
}

func (d DelegateFuncs) OnBusy() {
	if d.Busy != nil {
		d.Busy()
	}
}

func (d DelegateFuncs) OnIdle() {
	if d.Idle != nil {
		d.Idle()
	}
}

// notifier forwards activity signals to the delegate.
type notifier struct {
	delegate Delegate
}

func (n notifier) busy() { n.delegate.OnBusy() }
func (n notifier) idle() { n.delegate.OnIdle() }
