package indicator

import (
	"fmt"

	"github.com/hjkoskel/govattu"
)

// GPIO implements Indicator using discrete GPIO LED pins: green for in,
// red for out, yellow for a lost device.
type GPIO struct {
	hw        govattu.Vattu
	greenPin  *uint8
	yellowPin *uint8
	redPin    *uint8
}

// NewGPIO creates a new GPIO-based indicator.
func NewGPIO(greenPin, yellowPin, redPin *uint8) (*GPIO, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	g := &GPIO{
		hw:        hw,
		greenPin:  greenPin,
		yellowPin: yellowPin,
		redPin:    redPin,
	}
	for _, pin := range g.pins() {
		hw.PinMode(pin, govattu.ALToutput)
		hw.PinClear(pin)
	}
	return g, nil
}

func (g *GPIO) Idle() {
	g.allOff()
}

func (g *GPIO) Inbound() {
	g.only(g.greenPin)
}

func (g *GPIO) Outbound() {
	g.only(g.redPin)
}

func (g *GPIO) ConnectionLost() {
	g.only(g.yellowPin)
}

func (g *GPIO) Shutdown() {
	g.allOff()
}

func (g *GPIO) Release() error {
	g.allOff()
	return g.hw.Close()
}

func (g *GPIO) only(pin *uint8) {
	g.allOff()
	if pin != nil {
		g.hw.PinSet(*pin)
	}
}

func (g *GPIO) allOff() {
	for _, pin := range g.pins() {
		g.hw.PinClear(pin)
	}
}

func (g *GPIO) pins() []uint8 {
	var out []uint8
	for _, p := range []*uint8{g.greenPin, g.yellowPin, g.redPin} {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}
