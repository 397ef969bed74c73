// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxDeviceIDLen = 64

var (
	ErrDeviceIDEmpty   = errors.New("device id empty")
	ErrDeviceIDTooLong = errors.New("device id too long")
)

// DeviceID identifies this edge device. It doubles as the signaling room name
// and the MQTT topic prefix.
type DeviceID string

func NewDeviceID(raw string) (DeviceID, error) {
	if len(raw) == 0 {
		return "", ErrDeviceIDEmpty
	}
	if len(raw) > MaxDeviceIDLen {
		return "", ErrDeviceIDTooLong
	}
	return DeviceID(raw), nil
}

// Room returns the signaling room joined by the camera.
func (d DeviceID) Room() RoomID { return RoomID(d) }

// Topic builds an MQTT topic scoped to the device, e.g. "<id>/sensor".
func (d DeviceID) Topic(leaf string) string { return string(d) + "/" + leaf }
