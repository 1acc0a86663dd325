package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/inconshreveable/log15"
	lined "github.com/mauri870/lined"
)

func main() {
	editor := lined.NewEditor(lined.DefaultConfiguration())

	logger := log15.New("module", "lined-example")
	logger.SetHandler(log15.LvlFilterHandler(log15.LvlWarn, log15.StderrHandler))
	editor.SetLogger(logger)

	editor.SetRefreshHandler(func(_ lined.Editor) {
		l := editor.Line()
		editor.StripStyles(false)
		count := 0
		for i, ch := range []rune(l) {
			if ch == 'x' {
				count++
				editor.Stylize(lined.Span{
					Start: uint32(i),
					End:   uint32(i + 1),
					Mode:  lined.SpanModeRune,
				}, lined.Style{
					ForegroundColor: lined.MakeXtermColor(lined.XtermColorBlue),
					Underline:       true,
				})
			}
		}
		editor.SetPrompt(fmt.Sprintf("I highlight x's (%d so far): ", count))
	})

	interrupted := false
	editor.SetInterruptHandler(func() {
		interrupted = true
		editor.Finish()
	})

	editor.SetTabCompletionHandler(func(_ lined.Editor) []lined.Completion {
		l := editor.Line()
		parts := strings.Split(l, " ")
		token := parts[len(parts)-1]
		var completions []lined.Completion
		for _, candidate := range []string{"exit", "echo", "export", "history"} {
			if strings.HasPrefix(candidate, token) {
				completions = append(completions, lined.Completion{
					Text:            candidate,
					TrailingTrivia:  " ",
					InvariantOffset: uint32(len(token)),
					Style: lined.Style{
						ForegroundColor: lined.MakeXtermColor(lined.XtermColorGreen),
					},
				})
			}
		}
		return completions
	})

	for {
		interrupted = false
		line, err := editor.GetLine("I highlight x's (0 so far): ")
		if interrupted {
			fmt.Fprintln(os.Stderr, "interrupted")
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			break
		}

		if line == "exit" {
			break
		}
		editor.AddToHistory(line)
	}
}
