package contextasm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/starford/trellis/internal/models"
)

func header(d *models.Document) string {
	return fmt.Sprintf("## %s [%s](%s)\n\n", d.Name, d.ID, d.Path)
}

// Size is the number of characters a document contributes to the budget:
// its section header plus its body.
func Size(d *models.Document) int {
	return runeLen(header(d)) + d.BodyLength
}

func referenceLine(r Reference) string {
	return fmt.Sprintf("- [%s](%s#%s)\n", r.Name, r.Path, r.ID)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// Render produces the text handed to a reader: the sections in order,
// separated by blank lines, then a listing of documents that did not fit.
func Render(res *Result) string {
	var b strings.Builder
	for i, s := range res.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimRight(s.Text, "\n"))
	}
	if len(res.Overflow) > 0 || res.Omitted > 0 {
		b.WriteString("\n\n---\n\nAlso relevant, not included:\n\n")
		for _, r := range res.Overflow {
			b.WriteString(referenceLine(r))
		}
		if res.Omitted > 0 {
			fmt.Fprintf(&b, "- and %d more\n", res.Omitted)
		}
	} else {
		b.WriteString("\n")
	}
	return b.String()
}
