//go:build tinygo

package main

import (
	"machine"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/dimmer"
)

// pwmPeripheral is the subset of a TinyGo PWM slice the actuator uses.
type pwmPeripheral interface {
	Configure(config machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	Top() uint32
	Set(channel uint8, value uint32)
}

// pwmActuator drives the backlight through one PWM channel, scaling the
// 8-bit level onto the slice's counter range.
type pwmActuator struct {
	pwm     pwmPeripheral
	channel uint8
}

// newPWMActuator configures GP16 (slice 0, channel A) at the backlight frequency.
func newPWMActuator() (*pwmActuator, error) {
	pwm := machine.PWM0
	err := pwm.Configure(machine.PWMConfig{
		Period: 1e9 / config.PWMFrequency,
	})
	if err != nil {
		return nil, err
	}
	ch, err := pwm.Channel(machine.Pin(config.PWMPin))
	if err != nil {
		return nil, err
	}
	return &pwmActuator{pwm: pwm, channel: ch}, nil
}

func (a *pwmActuator) SetDuty(level dimmer.Level) error {
	top := a.pwm.Top()
	a.pwm.Set(a.channel, uint32(level)*top/uint32(dimmer.MaxLevel))
	return nil
}

// statusPin is the onboard status LED output.
type statusPin struct {
	pin machine.Pin
}

func newStatusPin() *statusPin {
	p := machine.Pin(config.StatusLEDPin)
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return &statusPin{pin: p}
}

func (p *statusPin) Set(high bool) {
	p.pin.Set(high)
}
