package indicator

// Multi fans every call out to several indicators.
type Multi struct {
	indicators []Indicator
}

func (m *Multi) Idle() {
	m.each(Indicator.Idle)
}

func (m *Multi) Inbound() {
	m.each(Indicator.Inbound)
}

func (m *Multi) Outbound() {
	m.each(Indicator.Outbound)
}

func (m *Multi) ConnectionLost() {
	m.each(Indicator.ConnectionLost)
}

func (m *Multi) Shutdown() {
	m.each(Indicator.Shutdown)
}

// Release releases all indicators and returns the last error.
func (m *Multi) Release() error {
	var lastErr error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Multi) each(f func(Indicator)) {
	for _, ind := range m.indicators {
		f(ind)
	}
}
