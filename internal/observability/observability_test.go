package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		" Info ":  "INFO",
		"warning": "WARN",
		"ERROR":   "ERROR",
		"":        "INFO",
		"chatty":  "INFO",
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLogLevel(input), input)
	}
}

func TestLoggerPrefersServerLogger(t *testing.T) {
	prevCLI, prevServer := CLILogger, ServerLogger
	t.Cleanup(func() {
		CLILogger, ServerLogger = prevCLI, prevServer
	})

	CLILogger, ServerLogger = nil, nil
	require.Nil(t, Logger())

	InitCLILogger(ServiceName, true)
	require.NotNil(t, CLILogger)
	require.Same(t, CLILogger, Logger())

	InitServerLogger(ServiceName, "debug", "scanner")
	require.NotNil(t, ServerLogger)
	require.Same(t, ServerLogger, Logger())

	Logger().Info("Logger initialized", zap.String("component", "test"))
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("[::]:9091")
	require.NoError(t, err)
	assert.Equal(t, 9091, port)

	_, err = resolvePort("no-port")
	require.Error(t, err)
}
