package classifier

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
)

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

var inlineElements = map[string]bool{
	"a": true, "abbr": true, "b": true, "em": true, "i": true,
	"small": true, "span": true, "strong": true, "u": true,
}

var quoteReplacer = strings.NewReplacer("’", "'", "‘", "'")

// ExtractText strips markup from an HTML document and returns collapsed plain
// text. Content of script, style, noscript and template elements is dropped.
func ExtractText(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	var sb strings.Builder
	skipDepth := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed document; keep whatever text was read.
			return collapse(sb.String())
		case html.StartTagToken, html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] {
				if tt == html.StartTagToken {
					skipDepth++
				} else if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if !inlineElements[tag] {
				sb.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// collapse normalises quotes and squeezes all whitespace runs to one space.
func collapse(s string) string {
	return strings.Join(strings.Fields(quoteReplacer.Replace(s)), " ")
}

// fold applies Unicode case folding. A new Caser is built per call because
// Casers are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(s)
}
