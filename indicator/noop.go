package indicator

// Noop is used when no indicators are configured.
type Noop struct{}

func (n *Noop) Idle()           {}
func (n *Noop) Inbound()        {}
func (n *Noop) Outbound()       {}
func (n *Noop) ConnectionLost() {}
func (n *Noop) Shutdown()       {}
func (n *Noop) Release() error  { return nil }
