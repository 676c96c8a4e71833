package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/leakage"
	"github.com/sells-group/trainset/internal/registry"
)

func TestFormatFields(t *testing.T) {
	fields, err := registry.ParseFields([]byte(cmdFieldsYAML + `
  - name: price_chg
    unit: fraction
    fill: explicit_null
    classification: safe
    derive: {op: pct_change, of: price, window: 5}
`))
	require.NoError(t, err)
	classes, err := leakage.ClassifyAll(fields)
	require.NoError(t, err)

	var buf bytes.Buffer
	formatFields(&buf, fields, classes)
	out := buf.String()

	assert.Contains(t, out, "CLASS")
	assert.Regexp(t, `price\s+prices\s+usd`, out)
	assert.Regexp(t, `settle_next\s+prices\s+usd.*lookahead`, out)
	assert.Contains(t, out, "pct_change(price,5)")
	assert.Regexp(t, `price_chg\s+-`, out)
}
