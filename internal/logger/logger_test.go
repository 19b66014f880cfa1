package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDetectEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	assert.Equal(t, EnvDev, DetectEnv())

	t.Setenv("APP_ENV", "staging")
	assert.Equal(t, EnvStage, DetectEnv())

	t.Setenv("APP_ENV", "preprod")
	assert.Equal(t, EnvStage, DetectEnv())

	t.Setenv("APP_ENV", "Production")
	assert.Equal(t, EnvProd, DetectEnv())
}

func TestInit_DevStd_TextOutput(t *testing.T) {
	out := captureStdOut(func() {
		Init(Config{
			Service:   "demo",
			Version:   "v0.0.1",
			Env:       EnvDev,
			Backend:   BackendStd,
			Level:     slog.LevelDebug,
			AddSource: true,
		})
		slog.Info("Hello world")
	})

	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "expected text output, got %s", out)
	assert.Contains(t, out, "Hello world")
	assert.Contains(t, out, "service=demo")
	assert.Contains(t, out, "env=dev")
}

func TestInit_ProdZap_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Service:          "demo",
		Version:          "1.2.3",
		Env:              EnvProd,
		Backend:          BackendZap,
		Level:            slog.LevelInfo,
		Output:           &buf,
		SampleInitial:    100000,
		SampleThereafter: 100000,
	})
	slog.Info("booted", slog.String("k", "v"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), "expected JSON line, got %s", buf.String())

	assert.Equal(t, "booted", m["msg"])
	assert.Equal(t, "demo", m["service"])
	assert.Equal(t, "prod", m["env"])
	assert.Equal(t, "1.2.3", m["version"])
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "v", m["k"])
}

func TestSetLevel_AppliesToBothBackends(t *testing.T) {
	for _, backend := range []Backend{BackendStd, BackendZap} {
		t.Run(string(backend), func(t *testing.T) {
			var buf bytes.Buffer
			Init(Config{Service: "demo", Env: EnvProd, Backend: backend, Level: slog.LevelInfo, Output: &buf})

			slog.Debug("hidden")
			assert.NotContains(t, buf.String(), "hidden")

			SetLevel(slog.LevelDebug)
			assert.Equal(t, slog.LevelDebug, Level())
			slog.Debug("shown")
			assert.Contains(t, buf.String(), "shown")
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestAttrsFromCtx_PropagatesTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()
	otel.SetTracerProvider(tp)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	Init(Config{
		Service:          "demo",
		Env:              EnvProd,
		Backend:          BackendZap,
		Output:           &buf,
		SampleInitial:    100000,
		SampleThereafter: 100000,
	})
	slog.InfoContext(ctx, "with trace", toAttrsFromCtx(ctx)...)

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), "expected JSON, got %s", buf.String())
	assert.Equal(t, span.SpanContext().TraceID().String(), m["trace_id"])
	assert.NotNil(t, m["span_id"])
	assert.Equal(t, "with trace", m["msg"])

	buf.Reset()
	FromCtx(ctx).Info("via ctx")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, span.SpanContext().TraceID().String(), m["trace_id"])
}

func TestAttrsFromCtx_NoSpan(t *testing.T) {
	assert.Nil(t, AttrsFromCtx(context.Background()))
}
