package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupWriter(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	SetupWriter(&buf, false, "debug")
	assert.Equal(t, zerolog.Disabled, zerolog.GlobalLevel())
	PionFactory{}.NewLogger("ice").Error("hidden")
	assert.Empty(t, buf.String())

	SetupWriter(&buf, true, "warn")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	SetupWriter(&buf, true, "nonsense")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestPionFactory(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	SetupWriter(&buf, true, "info")

	l := PionFactory{}.NewLogger("dtls")
	l.Debugf("dropped %d", 1)
	l.Warnf("retransmit %s", "hello")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "retransmit hello")
	assert.Contains(t, out, "dtls")
}
