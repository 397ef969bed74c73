package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidate(t *testing.T) {
	c, err := ParseCandidate("candidate:842163049 1 udp 1677729535 203.0.113.7 50212 typ srflx raddr 10.0.0.4 rport 50212 generation 0")
	require.NoError(t, err)

	assert.Equal(t, "842163049", c.Foundation)
	assert.Equal(t, uint16(1), c.Component)
	assert.Equal(t, "udp", c.Protocol)
	assert.Equal(t, uint32(1677729535), c.Priority)
	assert.Equal(t, "203.0.113.7", c.Address)
	assert.Equal(t, uint16(50212), c.Port)
	assert.Equal(t, "srflx", c.Type)

	mid := "0"
	idx := uint16(0)
	init := c.Init(&mid, &idx)
	assert.Equal(t, c.String(), init.Candidate)
	assert.Equal(t, &mid, init.SDPMid)
	assert.Equal(t, &idx, init.SDPMLineIndex)
}

func TestParseCandidate_Malformed(t *testing.T) {
	tests := map[string]string{
		"bogus":             "bogus",
		"empty":             "",
		"missing prefix":    "842163049 1 udp 1677729535 10.0.0.4 50212 typ host",
		"missing typ":       "candidate:1 1 udp 2130706431 10.0.0.4 50212 host",
		"hex foundation":    "candidate:a1b2 1 udp 2130706431 10.0.0.4 50212 typ host",
		"port out of range": "candidate:1 1 udp 2130706431 10.0.0.4 70000 typ host",
		"priority too big":  "candidate:1 1 udp 99999999999 10.0.0.4 5000 typ host",
		"leading text":      "a=candidate:1 1 udp 2130706431 10.0.0.4 50212 typ host",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCandidate(raw)
			assert.ErrorIs(t, err, ErrMalformedCandidate)
		})
	}
}
