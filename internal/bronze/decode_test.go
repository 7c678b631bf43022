package bronze

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, in string, ncols int) ([][]Field, error) {
	t.Helper()
	var rows [][]Field
	for row, err := range Decode(strings.NewReader(in), '\t', ncols) {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func TestDecode(t *testing.T) {
	rows, err := decodeAll(t, "a\t\\N\tc\\\\d\n\\t\t\t\\n\n", 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, []Field{{Value: "a"}, {Null: true}, {Value: `c\d`}}, rows[0])
	assert.Equal(t, []Field{{Value: "\t"}, {Value: ""}, {Value: "\n"}}, rows[1])
}

func TestDecode_NoTrailingNewlineAndEndMarker(t *testing.T) {
	rows, err := decodeAll(t, "x\ty", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = decodeAll(t, "x\ty\n\\.\nignored\n", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDecode_Errors(t *testing.T) {
	_, err := decodeAll(t, "only-one\n", 2)
	assert.Error(t, err)

	_, err = decodeAll(t, "a\\\n", 0)
	assert.Error(t, err)

	_, err = decodeAll(t, "a\\N\tb\n", 0)
	assert.Error(t, err)
}

func TestDecode_Empty(t *testing.T) {
	rows, err := decodeAll(t, "", 7)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
