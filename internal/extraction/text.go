package extraction

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// TextExtractor turns a stored document into plain text lines
type TextExtractor interface {
	Text(data []byte) (string, error)
}

// PDFText extracts page content streams with pdfcpu and rebuilds the
// visible text from the text-showing operators.
type PDFText struct{}

var pageFileRe = regexp.MustCompile(`(\d+)\.txt$`)

func (PDFText) Text(data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "liquidacion-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ExtractContent(bytes.NewReader(data), dir, "doc", nil, conf); err != nil {
		return "", fmt.Errorf("extract content: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return "", err
	}
	sort.Slice(files, func(i, j int) bool { return pageNumber(files[i]) < pageNumber(files[j]) })

	var pages []string
	for _, f := range files {
		stream, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		pages = append(pages, strings.Join(contentLines(stream), "\n"))
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("document has no page content")
	}
	return strings.Join(pages, "\n"), nil
}

func pageNumber(name string) int {
	m := pageFileRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// lineBuilder accumulates shown text, breaking lines on vertical moves
type lineBuilder struct {
	lines []string
	cur   strings.Builder
	y     float64
	brk   bool
	space bool
}

func (b *lineBuilder) show(s string) {
	if s == "" {
		return
	}
	if b.brk {
		b.flush()
	}
	if b.space && b.cur.Len() > 0 && !strings.HasSuffix(b.cur.String(), " ") && !strings.HasPrefix(s, " ") {
		b.cur.WriteByte(' ')
	}
	b.brk, b.space = false, false
	b.cur.WriteString(s)
}

func (b *lineBuilder) moveTo(y float64) {
	if diff := y - b.y; diff > 0.5 || diff < -0.5 {
		b.brk = true
	} else {
		b.space = true
	}
	b.y = y
}

func (b *lineBuilder) flush() {
	if line := strings.TrimSpace(b.cur.String()); line != "" {
		b.lines = append(b.lines, line)
	}
	b.cur.Reset()
	b.brk = false
}

// operand is a content stream operand; only strings, numbers and arrays matter
type operand struct {
	str   string
	num   float64
	isNum bool
	isStr bool
	array []operand
}

// contentLines interprets the text operators of one content stream
func contentLines(stream []byte) []string {
	var (
		b     lineBuilder
		stack []operand
		nest  [][]operand
	)
	push := func(o operand) {
		if len(nest) > 0 {
			nest[len(nest)-1] = append(nest[len(nest)-1], o)
			return
		}
		stack = append(stack, o)
	}
	num := func(i int) float64 {
		if i < 0 || i >= len(stack) || !stack[i].isNum {
			return 0
		}
		return stack[i].num
	}

	s := stream
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			i++
		case c == '%':
			for i < len(s) && s[i] != '\n' && s[i] != '\r' {
				i++
			}
		case c == '(':
			str, n := literalString(s[i:])
			push(operand{str: str, isStr: true})
			i += n
		case c == '<' && i+1 < len(s) && s[i+1] == '<', c == '>' && i+1 < len(s) && s[i+1] == '>':
			i += 2
		case c == '<':
			end := bytes.IndexByte(s[i:], '>')
			if end < 0 {
				end = len(s) - i - 1
			}
			push(operand{str: hexString(s[i+1 : i+end]), isStr: true})
			i += end + 1
		case c == '[':
			nest = append(nest, nil)
			i++
		case c == ']':
			if len(nest) > 0 {
				arr := nest[len(nest)-1]
				nest = nest[:len(nest)-1]
				push(operand{array: arr})
			}
			i++
		case c == '/':
			j := i + 1
			for j < len(s) && !isSpace(s[j]) && !isDelim(s[j]) {
				j++
			}
			push(operand{})
			i = j
		default:
			j := i
			for j < len(s) && !isSpace(s[j]) && !isDelim(s[j]) {
				j++
			}
			if j == i {
				i++
				continue
			}
			tok := string(s[i:j])
			i = j
			if f, err := strconv.ParseFloat(tok, 64); err == nil {
				push(operand{num: f, isNum: true})
				continue
			}
			if len(nest) > 0 {
				continue
			}

			n := len(stack)
			switch tok {
			case "Td", "TD":
				if num(n-1) != 0 {
					b.moveTo(b.y + num(n-1))
				} else {
					b.space = true
				}
			case "Tm":
				b.moveTo(num(n - 1))
			case "T*":
				b.brk = true
			case "Tj":
				if n > 0 {
					b.show(stack[n-1].str)
				}
			case "'":
				b.brk = true
				if n > 0 {
					b.show(stack[n-1].str)
				}
			case "\"":
				b.brk = true
				if n > 0 {
					b.show(stack[n-1].str)
				}
			case "TJ":
				if n > 0 {
					b.show(joinTJ(stack[n-1].array))
				}
			}
			stack = stack[:0]
		}
	}
	b.flush()
	return b.lines
}

// joinTJ concatenates a TJ array; a large negative kern is a word gap
func joinTJ(parts []operand) string {
	var sb strings.Builder
	for _, p := range parts {
		switch {
		case p.isStr:
			sb.WriteString(p.str)
		case p.isNum && p.num < -200:
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

// literalString decodes a (...) string and returns the bytes consumed
func literalString(s []byte) (string, int) {
	var out []byte
	depth := 0
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
			i++
		case c == ')':
			depth--
			i++
			if depth == 0 {
				return latin1(out), i
			}
			out = append(out, c)
		case c == '\\' && i+1 < len(s):
			i++
			e := s[i]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\n':
			case '\r':
				if i+1 < len(s) && s[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := 0
					k := 0
					for k < 3 && i < len(s) && s[i] >= '0' && s[i] <= '7' {
						v = v*8 + int(s[i]-'0')
						i++
						k++
					}
					out = append(out, byte(v))
					continue
				}
				out = append(out, e)
			}
			i++
		default:
			out = append(out, c)
			i++
		}
	}
	return latin1(out), i
}

func hexString(s []byte) string {
	var digits []byte
	for _, c := range s {
		if !isSpace(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return latin1(out)
}

// latin1 maps single-byte encoded text to runes, which covers the
// accented letters the documents use.
func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}
