package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Capability
		wantErr bool
	}{
		{name: "extract", input: "extract", want: New(Extract)},
		{name: "search", input: "search", want: New(Search)},
		{name: "mixed case", input: "  Translate ", want: New(Translate)},
		{name: "custom", input: "custom:pdf-ocr", want: NewCustom("pdf-ocr")},
		{name: "empty custom tag", input: "custom:", wantErr: true},
		{name: "unknown", input: "alchemy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, New(Extract).Matches(New(Extract)))
	assert.False(t, New(Extract).Matches(New(Search)))
	assert.True(t, NewCustom("ocr").Matches(NewCustom("ocr")))
	assert.False(t, NewCustom("ocr").Matches(NewCustom("asr")))
	assert.False(t, NewCustom("ocr").Matches(New(Extract)))
}

func TestTextMarshaling(t *testing.T) {
	c := NewCustom("pdf-ocr")
	data, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "custom:pdf-ocr", string(data))

	var back Capability
	require.NoError(t, back.UnmarshalText(data))
	assert.Equal(t, c, back)

	var invalid Capability
	_, err = invalid.MarshalText()
	assert.Error(t, err)
}
