package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With(Fields{"component": "facilitator"})

	l.Info("payment verified", Fields{"network": "base-sepolia", "err": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	require.Equal(t, "payment verified", entries[0].Message)
	require.Equal(t, "facilitator", ctx["component"])
	require.Equal(t, "base-sepolia", ctx["network"])
	require.Equal(t, "boom", ctx["err"])
}

func TestOrNoop(t *testing.T) {
	require.IsType(t, NoopLogger{}, OrNoop(nil))

	core, _ := observer.New(zap.InfoLevel)
	z := FromZap(zap.New(core))
	require.Equal(t, z, OrNoop(z))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zap.DebugLevel, parseLevel("debug"))
	require.Equal(t, zap.WarnLevel, parseLevel("warn"))
	require.Equal(t, zap.ErrorLevel, parseLevel("error"))
	require.Equal(t, zap.InfoLevel, parseLevel("bogus"))
}
