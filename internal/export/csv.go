package export

import (
	"bufio"
	"io"
	"strings"

	"github.com/comigor/sqlchat-go/internal/render"
)

// ResultCSV writes a result table as CSV: a plain header line, then every
// value double-quoted with embedded quotes doubled. Lines end in CRLF and
// there is no trailing line break.
func ResultCSV(t *render.Table, w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(t.Columns, ","))
	for _, row := range t.Rows {
		bw.WriteString("\r\n")
		for i, c := range row {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(quote(c.Text))
		}
	}
	return bw.Flush()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
