package csvparser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChargeMail/internal/errs"
)

func TestParseRecipientRows(t *testing.T) {
	in := "name, Email ,listingTitle\n" +
		"Jane, jane@example.com ,Model 3\n" +
		"broken row\n" +
		"Sam,,Leaf\n" +
		"Ola,ola@example.com,Ioniq 5\n"

	rows, err := ParseRecipientRows(strings.NewReader(in), 0)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "jane@example.com", rows[0].Email)
	assert.Equal(t, map[string]string{"name": "Jane", "listingTitle": "Model 3"}, rows[0].Fields)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "ola@example.com", rows[1].Email)
	assert.Equal(t, 5, rows[1].Line)
}

func TestParseRecipientRows_MaxRows(t *testing.T) {
	in := "email\na@x.io\nb@x.io\nc@x.io\n"

	rows, err := ParseRecipientRows(strings.NewReader(in), 2)

	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestParseRecipientRows_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":     "",
		"no email":  "name,phone\nJane,123\n",
		"no rows":   "email,name\n",
		"all blank": "email,name\n,Jane\n",
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecipientRows(strings.NewReader(in), 10)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.ErrValidation))
		})
	}
}

func TestParseRecipientRows_ByteOrderMark(t *testing.T) {
	rows, err := ParseRecipientRows(strings.NewReader("\ufeffEmail,name\njane@example.com,Jane\n"), 0)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "jane@example.com", rows[0].Email)
}

func TestRecipientRow_TemplateData(t *testing.T) {
	row := RecipientRow{Email: "a@x.io", Fields: map[string]string{"title": "Maintenance", "message": "Tonight"}}

	raw, err := row.TemplateData()

	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Maintenance","message":"Tonight"}`, string(raw))

	empty, err := RecipientRow{Email: "a@x.io"}.TemplateData()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.csv")
	require.NoError(t, os.WriteFile(path, []byte("email\njane@example.com\n"), 0o600))

	rows, err := ParseFile(path, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.csv"), 0)
	assert.Error(t, err)
}

func TestParseMaxRows(t *testing.T) {
	n, err := ParseMaxRows("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRows, n)

	n, err = ParseMaxRows("25")
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = ParseMaxRows("50000")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRows, n)

	_, err = ParseMaxRows("-1")
	assert.True(t, errs.Is(err, errs.ErrValidation))
}
