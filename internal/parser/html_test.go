package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain", in: "hello", want: "hello"},
		{
			name: "strips tags and scripts",
			in:   `<html><head><style>p{color:red}</style></head><body><p>Hello <b>there</b></p><script>alert(1)</script></body></html>`,
			want: "Hello there",
		},
		{
			name: "blocks do not glue words",
			in:   "<div>one</div><div>two</div><br>three",
			want: "one two three",
		},
		{
			name: "collapses whitespace",
			in:   "<p>  lots \n\n of\t space  </p>",
			want: "lots of space",
		},
		{
			name: "drops zero width characters",
			in:   "<p>a\u200bb</p>",
			want: "ab",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTMLToText(tc.in))
		})
	}
}
