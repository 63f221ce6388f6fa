package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-run/tandem/internal/logger"
	"github.com/tandem-run/tandem/internal/logger/tag"
)

func TestLoggerJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithQuiet(),
		logger.WithFormat("json"),
		logger.WithWriter(&buf),
	)

	lg.Info("job dequeued", tag.JobID("job-1"), tag.Tenant("acme"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "job dequeued", record["msg"])
	assert.Equal(t, "job-1", record["job-id"])
	assert.Equal(t, "acme", record["tenant"])
}

func TestLoggerTextFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithQuiet(),
		logger.WithFormat("text"),
		logger.WithWriter(&buf),
	)

	lg.Warn("lease expired", tag.WorkerID("w-3"))

	out := buf.String()
	assert.Contains(t, out, "lease expired")
	assert.Contains(t, out, "worker-id=w-3")
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithQuiet(),
		logger.WithFormat("json"),
		logger.WithWriter(&buf),
	)

	ctx := logger.WithLogger(context.Background(), lg)
	logger.Info(ctx, "from context")

	assert.Contains(t, buf.String(), "from context")

	// Without an injected logger the default is returned, never nil.
	assert.NotNil(t, logger.FromContext(context.Background()))
}

func TestWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithQuiet(),
		logger.WithFormat("json"),
		logger.WithWriter(&buf),
	)

	lg.With(tag.Tenant("acme")).Info("scoped")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "acme", record["tenant"])
}

func TestConcurrentFileWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithQuiet(),
		logger.WithFormat("json"),
		logger.WithWriter(&buf),
	)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lg.Info("concurrent write")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}
