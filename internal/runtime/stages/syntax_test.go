package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/verdict"
)

func TestSyntaxAcceptsPlainText(t *testing.T) {
	stage := NewSyntax(SyntaxConfig{})
	v, conf, err := stage.Validate(context.Background(), pipeline.Request{
		Type:    "document",
		Content: []byte("a perfectly ordinary document"),
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Compliant, v)
	require.Greater(t, conf, 0.9)
}

func TestSyntaxRejectsEmptyContent(t *testing.T) {
	stage := NewSyntax(SyntaxConfig{})
	v, _, err := stage.Validate(context.Background(), pipeline.Request{Type: "document"})
	require.NoError(t, err)
	require.Equal(t, verdict.NonCompliant, v)
}

func TestSyntaxRejectsOversizedContent(t *testing.T) {
	stage := NewSyntax(SyntaxConfig{MaxContentBytes: 16})
	v, conf, err := stage.Validate(context.Background(), pipeline.Request{
		Type:    "document",
		Content: []byte(strings.Repeat("x", 17)),
	})
	require.NoError(t, err)
	require.Equal(t, verdict.NonCompliant, v)
	require.Equal(t, 1.0, conf)
}

func TestSyntaxRejectsInvalidUTF8(t *testing.T) {
	stage := NewSyntax(SyntaxConfig{})
	v, _, err := stage.Validate(context.Background(), pipeline.Request{
		Type:    "document",
		Content: []byte{0xff, 0xfe, 0xfd},
	})
	require.NoError(t, err)
	require.Equal(t, verdict.NonCompliant, v)
}

func TestSyntaxValidatesJSONTypes(t *testing.T) {
	stage := NewSyntax(SyntaxConfig{})

	v, _, err := stage.Validate(context.Background(), pipeline.Request{
		Type:    "application/json",
		Content: []byte(`{"ok": true`),
	})
	require.NoError(t, err)
	require.Equal(t, verdict.NonCompliant, v)

	v, _, err = stage.Validate(context.Background(), pipeline.Request{
		Type:    "application/json",
		Content: []byte(`{"ok": true}`),
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Compliant, v)

	// Non-JSON types carry arbitrary payloads.
	v, _, err = stage.Validate(context.Background(), pipeline.Request{
		Type:    "document",
		Content: []byte(`{"ok": true`),
	})
	require.NoError(t, err)
	require.Equal(t, verdict.Compliant, v)
}
