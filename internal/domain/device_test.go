package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceID(t *testing.T) {
	tests := map[string]struct {
		raw     string
		wantErr error
	}{
		"valid":    {raw: "feeder-01"},
		"empty":    {raw: "", wantErr: ErrDeviceIDEmpty},
		"too long": {raw: strings.Repeat("x", MaxDeviceIDLen+1), wantErr: ErrDeviceIDTooLong},
		"at limit": {raw: strings.Repeat("x", MaxDeviceIDLen)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			id, err := NewDeviceID(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DeviceID(tt.raw), id)
		})
	}
}

func TestDeviceID_RoomAndTopic(t *testing.T) {
	id := DeviceID("pond-3")
	assert.Equal(t, RoomID("pond-3"), id.Room())
	assert.Equal(t, "pond-3/control", id.Topic("control"))
}
