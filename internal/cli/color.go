package cli

import (
	"fmt"
	"io"

	"github.com/gookit/color"
)

var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// sprinter is satisfied by every gookit/color style type.
type sprinter interface {
	Sprint(a ...any) string
	Sprintf(format string, a ...any) string
}

// status prints "-> message" with the message in style p.
func status(w io.Writer, p sprinter, format string, a ...any) {
	fmt.Fprintln(w, colArrow.Sprint("->"), p.Sprintf(format, a...))
}
