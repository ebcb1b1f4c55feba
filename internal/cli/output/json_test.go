package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

func TestPrintJSON(t *testing.T) {
	data := testJob{Name: "nightly-report", Topic: "reports.nightly"}

	var buf bytes.Buffer
	err := PrintJSON(&buf, data)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `"name": "nightly-report"`)
	assert.Contains(t, output, `"topic": "reports.nightly"`)
}

func TestPrintJSONArray(t *testing.T) {
	data := []testJob{
		{Name: "a", Topic: "t.a"},
		{Name: "b", Topic: "t.b"},
	}

	var buf bytes.Buffer
	err := PrintJSON(&buf, data)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `"name": "a"`)
	assert.Contains(t, output, `"name": "b"`)
}
