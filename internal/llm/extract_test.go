package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "bare object",
			in:   `{"files": {}}`,
			want: `{"files": {}}`,
		},
		{
			name: "json code fence",
			in:   "```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "plain code fence",
			in:   "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "surrounding prose",
			in:   "Sure! Here is the result:\n{\"a\": {\"b\": 2}}\nLet me know if you need more.",
			want: `{"a": {"b": 2}}`,
		},
		{
			name: "braces inside strings",
			in:   `prefix {"code": "if (x) { return; }"} suffix`,
			want: `{"code": "if (x) { return; }"}`,
		},
		{
			name: "escaped quotes inside strings",
			in:   `{"msg": "she said \"}\" loudly"}`,
			want: `{"msg": "she said \"}\" loudly"}`,
		},
		{
			name:    "no object at all",
			in:      "I could not generate the files, sorry.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			in:      `{"files": {"a.ts": "x"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSONObject(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFileMap(t *testing.T) {
	t.Parallel()

	t.Run("string contents", func(t *testing.T) {
		files, err := DecodeFileMap(`{"files": {"src/app/page.tsx": "export default function Page() {}"}}`)
		require.NoError(t, err)
		assert.Equal(t, "export default function Page() {}", files["src/app/page.tsx"])
	})

	t.Run("coerces non-string contents", func(t *testing.T) {
		files, err := DecodeFileMap(`{"files": {"version.txt": 42, "flag.txt": true}}`)
		require.NoError(t, err)
		assert.Equal(t, "42", files["version.txt"])
		assert.Equal(t, "true", files["flag.txt"])
	})

	t.Run("missing files key", func(t *testing.T) {
		_, err := DecodeFileMap(`{"result": "ok"}`)
		require.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeFileMap(`nope`)
		require.Error(t, err)
	})
}
