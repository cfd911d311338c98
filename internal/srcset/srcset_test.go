package srcset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  []Candidate
	}{
		{
			name:  "width descriptors",
			value: "/img-480.png 480w, /img-960.png 960w",
			want:  []Candidate{{URL: "/img-480.png", Descriptor: "480w"}, {URL: "/img-960.png", Descriptor: "960w"}},
		},
		{
			name:  "no descriptor",
			value: "/only.png",
			want:  []Candidate{{URL: "/only.png"}},
		},
		{
			name:  "comma inside url",
			value: "/img?w=1,2 1x,/img@2x.png 2x",
			want:  []Candidate{{URL: "/img?w=1,2", Descriptor: "1x"}, {URL: "/img@2x.png", Descriptor: "2x"}},
		},
		{
			name:  "trailing comma ends candidate",
			value: "/a.png, /b.png 2x",
			want:  []Candidate{{URL: "/a.png"}, {URL: "/b.png", Descriptor: "2x"}},
		},
		{
			name:  "newlines and extra space",
			value: "\n  /a.png   1x ,\n  /b.png\t2x  ",
			want:  []Candidate{{URL: "/a.png", Descriptor: "1x"}, {URL: "/b.png", Descriptor: "2x"}},
		},
		{
			name:  "proxy urls",
			value: "/_next/image?url=%2Fhero.png&amp;w=640 640w, /_next/image?url=%2Fhero.png&amp;w=1080 1080w",
			want: []Candidate{
				{URL: "/_next/image?url=%2Fhero.png&amp;w=640", Descriptor: "640w"},
				{URL: "/_next/image?url=%2Fhero.png&amp;w=1080", Descriptor: "1080w"},
			},
		},
		{
			name:  "empty",
			value: " , ",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Parse(tt.value))
		})
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	got := Format([]Candidate{
		{URL: "assets/images/a.png", Descriptor: "480w"},
		{URL: ""},
		{URL: "assets/images/b.png"},
	})
	require.Equal(t, "assets/images/a.png 480w, assets/images/b.png", got)
	require.Equal(t, "", Format(nil))
}
