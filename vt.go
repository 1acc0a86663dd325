package lined

import (
	"fmt"
	"io"
)

func vtMoveAbsolute(row, col uint32, w io.Writer) {
	_, _ = fmt.Fprintf(w, "\x1b[%d;%dH", row, col)
}

func vtMoveRelative(row, col int64, w io.Writer) {
	xOp := 'A'
	yOp := 'D'

	if row > 0 {
		xOp = 'B'
	} else {
		row = -row
	}

	if col > 0 {
		yOp = 'C'
	} else {
		col = -col
	}

	if row > 0 {
		_, _ = fmt.Fprintf(w, "\x1b[%d%c", row, xOp)
	}
	if col > 0 {
		_, _ = fmt.Fprintf(w, "\x1b[%d%c", col, yOp)
	}
}

func vtClearLines(countAbove, countBelow uint32, w io.Writer) {
	if countAbove+countBelow == 0 {
		_, _ = w.Write([]byte("\x1b[2K"))
		return
	}

	// Go down countBelow lines, then clear going up.
	if countBelow > 0 {
		_, _ = fmt.Fprintf(w, "\x1b[%dB", countBelow)
	}
	for i := countAbove + countBelow; i > 0; i-- {
		_, _ = w.Write([]byte("\x1b[2K"))
		if i != 1 {
			_, _ = w.Write([]byte("\x1b[A"))
		}
	}
}

func vtClearToEndOfLine(w io.Writer) {
	_, _ = w.Write([]byte("\x1b[K"))
}

func vtClearScreen(w io.Writer) {
	_, _ = w.Write([]byte("\x1b[3J\x1b[H\x1b[2J"))
}

func vtSaveCursor(w io.Writer) {
	_, _ = w.Write([]byte("\x1b[s"))
}

func vtRestoreCursor(w io.Writer) {
	_, _ = w.Write([]byte("\x1b[u"))
}

// vtApplyStyle emits the graphic rendition escapes for a style. Closing a
// span only needs the hyperlink terminator; the caller re-applies whatever
// styles still cover the offset.
func vtApplyStyle(style Style, w io.Writer, isStarting bool) {
	if !isStarting {
		_, _ = io.WriteString(w, style.Hyperlink.toVTString(false))
		return
	}

	b := 22
	if style.Bold {
		b = 1
	}
	u := 24
	if style.Underline {
		u = 4
	}
	i := 23
	if style.Italic {
		i = 3
	}
	_, _ = fmt.Fprintf(w, "\x1b[%d;%d;%dm%s%s%s",
		b, u, i,
		style.BackgroundColor.toVTString(false),
		style.ForegroundColor.toVTString(true),
		style.Hyperlink.toVTString(true))
}

func (c *Color) toVTString(foreground bool) string {
	if !c.HasValue {
		return ""
	}

	if c.IsXterm && c.Xterm8 == XtermColorUnchanged {
		return ""
	}

	base := 40
	if foreground {
		base = 30
	}
	if c.IsXterm {
		return fmt.Sprintf("\x1b[%dm", int(c.Xterm8)+base)
	}

	return fmt.Sprintf("\x1b[%d;2;%d;%d;%dm", base+8, c.R, c.G, c.B)
}

func (h *Hyperlink) toVTString(starting bool) string {
	if len(*h) == 0 {
		return ""
	}
	link := ""
	if starting {
		link = string(*h)
	}
	return fmt.Sprintf("\x1b]8;;%s\x1b\\", link)
}
