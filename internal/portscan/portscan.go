// Package portscan finds serial ports that a K1 timer may be attached to.
package portscan

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"
)

// ProlificVID is the USB vendor ID of the Prolific USB-serial adapter
// shipped with K1 timers.
const ProlificVID = "067B"

const unknownDescription = "(Unknown)"

var log = logrus.WithField("component", "portscan")

// PortInfo describes one serial port.
type PortInfo struct {
	PortName           string `json:"portName"`
	Description        string `json:"description"`
	DeviceInstancePath string `json:"deviceInstancePath,omitempty"`
}

func (p PortInfo) String() string { return p.PortName }

// detailedPorts is replaced in tests.
var detailedPorts = enumerator.GetDetailedPortsList

// List returns every serial port on the system.
func List() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err != nil {
		return nil, fmt.Errorf("portscan: enumerate ports: %w", err)
	}
	return lo.FilterMap(details, func(d *enumerator.PortDetails, _ int) (PortInfo, bool) {
		return toPortInfo(d), strings.TrimSpace(d.Name) != ""
	}), nil
}

// Prolific returns the ports backed by a Prolific USB adapter, in system
// order.
func Prolific() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err != nil {
		return nil, fmt.Errorf("portscan: enumerate ports: %w", err)
	}
	ports := filterProlific(details)
	log.Debugf("%d of %d ports are Prolific adapters", len(ports), len(details))
	return ports, nil
}

func filterProlific(details []*enumerator.PortDetails) []PortInfo {
	usb := lo.Filter(details, func(d *enumerator.PortDetails, _ int) bool {
		return d.IsUSB && strings.EqualFold(d.VID, ProlificVID) && strings.TrimSpace(d.Name) != ""
	})
	return lo.Map(usb, func(d *enumerator.PortDetails, _ int) PortInfo {
		return toPortInfo(d)
	})
}

func toPortInfo(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		PortName:    strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Product),
	}
	if info.Description == "" {
		info.Description = unknownDescription
	}
	if d.IsUSB {
		info.DeviceInstancePath = fmt.Sprintf(`USB\VID_%s&PID_%s\%s`,
			strings.ToUpper(d.VID), strings.ToUpper(d.PID), d.SerialNumber)
	}
	return info
}
