package chatcore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterLoggerFormatsLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf).WithField("type", "delivery_queue")

	logger.Infof("sent %d message(s)", 3)
	logger.Warn("queue full")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "type=delivery_queue")
	assert.Contains(t, out, "sent 3 message(s)")
	assert.Contains(t, out, "queue full")
}

func TestWriterLoggerFieldsDoNotLeakBetweenChildren(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriterLogger(&buf)

	a := root.WithField("net", "a")
	_ = root.WithField("net", "b")

	a.Error("boom")

	assert.Contains(t, buf.String(), "net=a")
	assert.NotContains(t, buf.String(), "net=b")
}
