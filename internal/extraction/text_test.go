package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentLines(t *testing.T) {
	stream := []byte(`BT
/F1 10 Tf
1 0 0 1 50 800 Tm
(Emisi\363n : 21/10/2025) Tj
100 0 Td
(Fecha Entrega: 18/03/2025) Tj
0 -12 Td
[(Cotizante : 11,119,228-6 PEDRO) -300 (RE) 12 (NE)] TJ
T*
<537562546F74616C> Tj
ET
% trailing comment (ignored) Tj
`)

	assert.Equal(t, []string{
		"Emisión : 21/10/2025 Fecha Entrega: 18/03/2025",
		"Cotizante : 11,119,228-6 PEDRO RENE",
		"SubTotal",
	}, contentLines(stream))
}

func TestLiteralStringEscapes(t *testing.T) {
	tests := []struct {
		in   string
		want string
		n    int
	}{
		{`(plain) Tj`, "plain", 7},
		{`(a \(nested\) b) Tj`, "a (nested) b", 16},
		{`(outer (inner) end)`, "outer (inner) end", 19},
		{`(tab\there)`, "tab\there", 11},
		{`(\101\102C)`, "ABC", 11},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, n := literalString([]byte(tt.in))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.n, n)
		})
	}
}

func TestHexStringOddLength(t *testing.T) {
	assert.Equal(t, "AP", hexString([]byte("41 5")))
	assert.Equal(t, "Hello", hexString([]byte("48656C6C6F")))
}

func TestPageNumber(t *testing.T) {
	assert.Equal(t, 12, pageNumber("/tmp/x/doc_Content_page_12.txt"))
	assert.Equal(t, 0, pageNumber("/tmp/x/doc.pdf"))
}
