package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatForPath("out/result.yaml"))
	assert.Equal(t, FormatYAML, FormatForPath("RESULT.YML"))
	assert.Equal(t, FormatJSON, FormatForPath("result.json"))
	assert.Equal(t, FormatJSON, FormatForPath("result"))
}

func TestWriteResult_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, sampleResult(t), FormatJSON))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "run-1", doc["runId"])
	assert.Equal(t, true, doc["passed"])

	m := doc["metrics"].(map[string]any)["metrics"].(map[string]any)
	assert.Contains(t, m, "http_req_duration")
}

func TestWriteResult_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, sampleResult(t), FormatYAML))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "run-1", doc["runId"])
	assert.Equal(t, "products", doc["name"])

	thresholds := doc["thresholds"].([]any)
	require.Len(t, thresholds, 2)
	assert.Equal(t, "undetermined", thresholds[1].(map[string]any)["status"])
}

func TestWriteResult_UnknownFormat(t *testing.T) {
	err := WriteResult(&bytes.Buffer{}, sampleResult(t), "xml")
	assert.ErrorContains(t, err, `unknown output format "xml"`)
}

func TestWriteResultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.yml")
	require.NoError(t, WriteResultFile(path, sampleResult(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "runId: run-1")

	assert.Error(t, WriteResultFile(filepath.Join(t.TempDir(), "missing", "r.json"), sampleResult(t)))
}
