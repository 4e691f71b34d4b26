package alloc

import (
	"testing"

	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validateSchema(t *testing.T) *history.Schema {
	t.Helper()
	s, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
	})
	require.NoError(t, err)
	return s
}

func TestValidateRejectsNonIdleWorker(t *testing.T) {
	d := Decision{Work: map[int]protocol.Work{
		2: {Tag: protocol.EvalSimTag},
	}}
	err := Validate(d, []int{1}, validateSchema(t), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not idle")
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	d := Decision{Work: map[int]protocol.Work{
		1: {Tag: protocol.EvalSimTag, HFields: []string{"nope"}},
	}}
	err := Validate(d, []int{1}, validateSchema(t), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown fields")
}

func TestValidateRejectsOutOfRangeRows(t *testing.T) {
	d := Decision{Work: map[int]protocol.Work{
		1: {Tag: protocol.EvalSimTag, HFields: []string{"x"}, HRows: []int{3}},
	}}
	err := Validate(d, []int{1}, validateSchema(t), 3, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestValidateRejectsPersistentWorkOnUnreturnedRows(t *testing.T) {
	d := Decision{Work: map[int]protocol.Work{
		1: {Tag: protocol.EvalGenTag, HFields: []string{"x"}, HRows: []int{0}, Persistent: true},
	}}
	err := Validate(d, []int{1}, validateSchema(t), 1, map[int]bool{})
	require.Error(t, err)

	err = Validate(d, []int{1}, validateSchema(t), 1, map[int]bool{0: true})
	require.NoError(t, err)
}
