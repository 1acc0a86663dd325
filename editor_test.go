package lined

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEditor(t *testing.T) (*lineEditor, *bytes.Buffer) {
	t.Helper()
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	out := bytes.NewBuffer(nil)
	editor.setOutput(out)
	editor.numColumns = 80
	editor.numLines = 25
	editor.SetPrompt("> ")
	editor.Reset()
	return editor, out
}

func feed(editor *lineEditor, input string) {
	editor.incompleteData = append(editor.incompleteData, input...)
	editor.processPendingInput()
}

func TestBackspaceDeletesPreviousCharacter(t *testing.T) {
	editor, _ := newTestEditor(t)

	feed(editor, "hi\x7f\n")

	assert.True(t, editor.finish)
	assert.NoError(t, editor.inputError)
	assert.Equal(t, "h", editor.Line())
}

func TestArrowRightMovesCursor(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("ab")
	editor.cursor = 0
	editor.inlineSearchCursor = 0

	feed(editor, "\x1b[C")
	assert.Equal(t, uint32(1), editor.cursor)

	feed(editor, "\n")
	assert.True(t, editor.finish)
	assert.Equal(t, "ab", editor.Line())
}

func TestArrowLeftStopsAtLineStart(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("a")

	feed(editor, "\x1b[D\x1b[D\x1b[D")
	assert.Equal(t, uint32(0), editor.cursor)
}

func TestHomeAndEndKeys(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("hello")

	feed(editor, "\x1b[H")
	assert.Equal(t, uint32(0), editor.cursor)

	feed(editor, "\x1b[F")
	assert.Equal(t, uint32(5), editor.cursor)
}

func TestDeleteKeyConsumesTerminator(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("abc")
	editor.cursor = 0
	editor.inlineSearchCursor = 0

	feed(editor, "\x1b[3~x")

	// Delete removes 'a'; the '~' terminator must not be inserted.
	assert.Equal(t, "xbc", editor.Line())
}

func TestDeleteKeyWithModifiedTerminator(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("abc")
	editor.cursor = 0
	editor.inlineSearchCursor = 0

	feed(editor, "\x1b[3;5~x")
	assert.Equal(t, "xbc", editor.Line())
}

func TestUnknownCSIFinalResetsToFreeState(t *testing.T) {
	editor, _ := newTestEditor(t)

	feed(editor, "\x1b[Qab")
	assert.Equal(t, inputStateFree, editor.state)
	assert.Equal(t, "ab", editor.Line())
}

func TestCursorInvariantUnderRandomMotions(t *testing.T) {
	editor, _ := newTestEditor(t)

	inputs := []string{"ab", "\x1b[D", "cd", "\x7f", "\x1b[D", "\x1b[D", "\x7f", "ef", "\x1b[C"}
	for _, input := range inputs {
		feed(editor, input)
		assert.LessOrEqual(t, editor.cursor, uint32(len(editor.buffer)))
	}
}

func TestCtrlShortcuts(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("hello world")

	feed(editor, "\x01") // ^A
	assert.Equal(t, uint32(0), editor.cursor)

	feed(editor, "\x05") // ^E
	assert.Equal(t, uint32(11), editor.cursor)

	feed(editor, "\x02") // ^B
	assert.Equal(t, uint32(10), editor.cursor)

	feed(editor, "\x06") // ^F
	assert.Equal(t, uint32(11), editor.cursor)
}

func TestCtrlKErasesToEnd(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("hello world")
	editor.cursor = 5
	editor.inlineSearchCursor = 5

	feed(editor, "\x0b") // ^K
	assert.Equal(t, "hello", editor.Line())
}

func TestKillLineDeletesToStart(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("hello world")
	editor.cursor = 6
	editor.inlineSearchCursor = 6

	feed(editor, "\x15") // ^U
	assert.Equal(t, "world", editor.Line())
	assert.Equal(t, uint32(0), editor.cursor)
}

func TestWordEraseBackwards(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("foo bar")

	feed(editor, "\x17") // ^W
	assert.Equal(t, "foo ", editor.Line())
}

func TestAltBackspaceErasesAlnumWord(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("foo=bar")

	feed(editor, "\x1b\b")
	assert.Equal(t, "foo=", editor.Line())
}

func TestAltDErasesWordForwards(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("foo bar")
	editor.cursor = 0
	editor.inlineSearchCursor = 0

	feed(editor, "\x1bd")
	assert.Equal(t, " bar", editor.Line())
}

func TestAltWordMotion(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("foo bar baz")

	feed(editor, "\x1bb")
	assert.Equal(t, uint32(8), editor.cursor)

	feed(editor, "\x1bb")
	assert.Equal(t, uint32(4), editor.cursor)
}

func TestAltCaseChanges(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("foo bar")
	editor.cursor = 0
	editor.inlineSearchCursor = 0

	feed(editor, "\x1bu")
	assert.Equal(t, "FOO bar", editor.Line())

	feed(editor, "\x1bc")
	assert.Equal(t, "FOO Bar", editor.Line())

	editor.cursor = 0
	editor.inlineSearchCursor = 0
	feed(editor, "\x1bl")
	assert.Equal(t, "foo Bar", editor.Line())
}

func TestTransposeCharacters(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("ab")
	editor.cursor = 1
	editor.inlineSearchCursor = 1

	feed(editor, "\x14") // ^T
	assert.Equal(t, "ba", editor.Line())
	assert.Equal(t, uint32(2), editor.cursor)
}

func TestTransposeWords(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("ab cd")

	feed(editor, "\x1bt")
	assert.Equal(t, "cd ab", editor.Line())
	assert.Equal(t, uint32(5), editor.cursor)
}

func TestTransposeWordsDropsOverlappingAnchoredSpans(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("ab cd")
	editor.Stylize(Span{0, 2, SpanModeRune}, underlined())

	feed(editor, "\x1bt")
	assert.Zero(t, countAnchoredSpans(editor))
}

func TestAltDotInsertsLastWordOfLastHistoryEntry(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("echo hello world")

	feed(editor, "\x1b.")
	assert.Equal(t, "world", editor.Line())
}

func TestEofOnEmptyBuffer(t *testing.T) {
	editor, out := newTestEditor(t)

	feed(editor, "\x04") // ^D
	assert.True(t, editor.finish)
	assert.ErrorIs(t, editor.inputError, ErrEof)
	assert.Contains(t, out.String(), "<EOF>")
}

func TestCtrlDWithContentDeletesForward(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("ab")
	editor.cursor = 1
	editor.inlineSearchCursor = 1

	feed(editor, "\x04")
	assert.False(t, editor.finish)
	assert.Equal(t, "a", editor.Line())
}

func TestHistoryRecallUpTwice(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("ls /")
	editor.AddToHistory("echo hi")
	editor.Reset()

	feed(editor, "\x1b[A\x1b[A\n")
	assert.True(t, editor.finish)
	assert.Equal(t, "ls /", editor.Line())
}

func TestHistoryRecallUpThenDownRestoresEmptyBuffer(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("ls /")
	editor.AddToHistory("echo hi")
	editor.Reset()

	feed(editor, "\x1b[A")
	assert.Equal(t, "echo hi", editor.Line())

	feed(editor, "\x1b[B\n")
	assert.True(t, editor.finish)
	assert.Equal(t, "", editor.Line())
}

func TestHistoryRecallViaCtrlPN(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("first")
	editor.AddToHistory("second")
	editor.Reset()

	feed(editor, "\x10") // ^P
	assert.Equal(t, "second", editor.Line())

	feed(editor, "\x10")
	assert.Equal(t, "first", editor.Line())

	feed(editor, "\x0e") // ^N
	assert.Equal(t, "second", editor.Line())
}

func TestHistoryPrefixSearch(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("ls /tmp")
	editor.AddToHistory("echo hi")
	editor.AddToHistory("ls /home")
	editor.Reset()

	feed(editor, "ls")
	feed(editor, "\x1b[A")
	assert.Equal(t, "ls /home", editor.Line())

	feed(editor, "\x1b[A")
	assert.Equal(t, "ls /tmp", editor.Line())
}

func TestHistoryCapacityDropsOldest(t *testing.T) {
	config := DefaultConfiguration()
	config.HistoryCapacity = 2
	editor := NewEditor(config).(*lineEditor)

	editor.AddToHistory("one")
	editor.AddToHistory("two")
	editor.AddToHistory("three")

	require.Len(t, editor.history, 2)
	assert.Equal(t, "two", editor.history[0].entry)
	assert.Equal(t, "three", editor.history[1].entry)
}

func TestHistoryIgnoresEmptyLines(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.AddToHistory("")
	assert.Empty(t, editor.history)
}

func TestHistorySaveAndLoadRoundTrip(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.AddToHistory("ls /")
	editor.AddToHistory("echo hi")

	path := filepath.Join(t.TempDir(), "history")
	require.NoError(t, editor.SaveHistory(path))

	other := NewEditor(DefaultConfiguration()).(*lineEditor)
	require.NoError(t, other.LoadHistory(path))
	require.Len(t, other.history, 2)
	assert.Equal(t, "ls /", other.history[0].entry)
	assert.Equal(t, "echo hi", other.history[1].entry)
}

func TestTabCompletionFlow(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.SetTabCompletionHandler(func(e Editor) []Completion {
		token := e.Line()
		return []Completion{
			{Text: "commit", InvariantOffset: uint32(len(token))},
			{Text: "commute", InvariantOffset: uint32(len(token))},
		}
	})

	feed(editor, "co")

	// First tab inserts the longest common prefix.
	feed(editor, "\t")
	assert.Equal(t, "comm", editor.Line())
	assert.Equal(t, uint32(4), editor.cursor)
	assert.Equal(t, uint32(1), editor.timesTabPressed)

	// Second tab renders the listing, leaving the buffer alone.
	feed(editor, "\t")
	assert.Equal(t, "comm", editor.Line())

	// Third tab cycles to the first candidate.
	feed(editor, "\t")
	assert.Equal(t, "commit", editor.Line())
	assert.Equal(t, uint32(6), editor.cursor)

	// Fourth tab moves on to the next one.
	feed(editor, "\t")
	assert.Equal(t, "commute", editor.Line())
}

func TestTabCompletionSingleCandidateCommits(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.SetTabCompletionHandler(func(e Editor) []Completion {
		return []Completion{{
			Text:            "exit",
			TrailingTrivia:  " ",
			InvariantOffset: uint32(len(e.Line())),
			Style:           Style{Underline: true},
		}}
	})

	feed(editor, "ex")
	feed(editor, "\t")

	assert.Equal(t, "exit ", editor.Line())
	assert.Zero(t, editor.timesTabPressed)
	// The committed suggestion's style lands as an anchored span.
	assert.NotZero(t, countAnchoredSpans(editor))
}

func TestTabCompletionNoCandidatesBeeps(t *testing.T) {
	editor, out := newTestEditor(t)
	editor.SetTabCompletionHandler(func(Editor) []Completion { return nil })

	feed(editor, "zz\t")
	assert.Equal(t, "zz", editor.Line())
	assert.Contains(t, out.String(), "\a")
}

func TestTabWithoutHandlerIsIgnored(t *testing.T) {
	editor, _ := newTestEditor(t)

	feed(editor, "a\tb")
	assert.Equal(t, "ab", editor.Line())
}

func TestTypingAfterCompletionKeepsStyleAnchored(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.SetTabCompletionHandler(func(e Editor) []Completion {
		return []Completion{{
			Text:            "exit",
			InvariantOffset: uint32(len(e.Line())),
			Style:           Style{Underline: true},
		}}
	})

	feed(editor, "ex\tmore")
	assert.Equal(t, "exitmore", editor.Line())
	assert.NotZero(t, countAnchoredSpans(editor))
}

func TestIncrementalSearchSemantics(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("alpha")
	editor.AddToHistory("alphabet")
	editor.AddToHistory("beta")
	editor.Reset()

	// The newest substring match wins.
	require.True(t, editor.search("al", false, false))
	assert.Equal(t, "alphabet", editor.Line())

	// A second ^R skips to the next older match.
	editor.buffer = editor.buffer[:0]
	editor.cursor = 0
	editor.searchOffset = 1
	require.True(t, editor.search("al", false, false))
	assert.Equal(t, "alpha", editor.Line())

	// A miss beeps and leaves the buffer alone.
	assert.False(t, editor.search("zebra", false, false))
}

func TestEndSearchRestoresPreSearchBuffer(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("typed")
	editor.preSearchBuffer = append(editor.preSearchBuffer[:0], editor.buffer...)
	editor.preSearchCursor = editor.cursor
	editor.isSearching = true

	editor.buffer = []rune("found")
	editor.resetBufferOnSearchEnd = true
	editor.endSearch()

	assert.Equal(t, "typed", editor.Line())
	assert.False(t, editor.isSearching)
}

func TestEndSearchKeepsMatchWhenAccepted(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.InsertString("typed")
	editor.preSearchBuffer = append(editor.preSearchBuffer[:0], editor.buffer...)
	editor.isSearching = true

	editor.buffer = []rune("found")
	editor.cursor = 5
	editor.resetBufferOnSearchEnd = false
	editor.endSearch()

	assert.Equal(t, "found", editor.Line())
	// The next search restores again by default.
	assert.True(t, editor.resetBufferOnSearchEnd)
}

func TestInterruptClearsBufferAndContinues(t *testing.T) {
	editor, out := newTestEditor(t)
	editor.InsertString("some text")
	handlerCalled := false
	editor.SetInterruptHandler(func() { handlerCalled = true })

	editor.handleInterruptEvent()

	assert.Empty(t, editor.Line())
	assert.Zero(t, editor.cursor)
	assert.True(t, handlerCalled)
	assert.False(t, editor.finish)
	assert.Contains(t, out.String(), "^C")
}

func TestInsertStringAppendsAndShiftsCursor(t *testing.T) {
	editor, _ := newTestEditor(t)

	editor.InsertString("héllo")
	assert.Equal(t, uint32(5), editor.cursor)
	assert.Equal(t, "héllo", editor.Line())

	editor.cursor = 1
	editor.inlineSearchCursor = 1
	editor.InsertChar('x')
	assert.Equal(t, "hxéllo", editor.Line())
	assert.Equal(t, uint32(2), editor.cursor)
}

func TestUTF8InputAcrossReadBoundaries(t *testing.T) {
	editor, _ := newTestEditor(t)

	// 'é' is 0xc3 0xa9; split it across two read events.
	feed(editor, "h\xc3")
	assert.Equal(t, "h", editor.Line())
	assert.Len(t, editor.incompleteData, 1)

	feed(editor, "\xa9x")
	assert.Equal(t, "héx", editor.Line())
	assert.Empty(t, editor.incompleteData)
}

func TestInvalidUTF8PrefixIsDiscarded(t *testing.T) {
	editor, _ := newTestEditor(t)

	feed(editor, "\xffab")
	assert.Equal(t, "ab", editor.Line())
}

func TestRegisteredCharCallbackSuppressesDefault(t *testing.T) {
	editor, _ := newTestEditor(t)
	seen := 0
	editor.RegisterCharInputCallback('q', func(Editor) bool {
		seen++
		return false
	})

	feed(editor, "aqb")
	assert.Equal(t, 1, seen)
	assert.Equal(t, "ab", editor.Line())
}

func TestRegisteredCharCallbackAllowsDefault(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.RegisterCharInputCallback('q', func(Editor) bool {
		return true
	})

	feed(editor, "q")
	assert.Equal(t, "q", editor.Line())
}

func TestSuggestTransformsByteOffsets(t *testing.T) {
	editor, _ := newTestEditor(t)
	// 'é' is two bytes; a byte-oriented invariant of 2 covers one code point.
	editor.InsertString("é")

	static, invariant := editor.TransformSuggestionOffsets(2, 0, SpanModeByte)
	assert.Equal(t, uint32(0), static)
	assert.Equal(t, uint32(1), invariant)
}

func TestExitHandlerRunsOnSessionEnd(t *testing.T) {
	config := DefaultConfiguration()
	config.OperationMode = OperationModeNonInteractive
	editor := NewEditor(config).(*lineEditor)
	editor.plainReader = bufio.NewReader(strings.NewReader("done\n"))

	exited := false
	editor.SetExitHandler(func() { exited = true })

	_, err := editor.GetLine("> ")
	require.NoError(t, err)
	assert.True(t, exited)
}

func TestNonInteractiveGetLine(t *testing.T) {
	config := DefaultConfiguration()
	config.OperationMode = OperationModeNonInteractive
	editor := NewEditor(config).(*lineEditor)
	editor.plainReader = bufio.NewReader(strings.NewReader("hello\nworld\n"))

	line, err := editor.GetLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	line, err = editor.GetLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "world", line)

	_, err = editor.GetLine("> ")
	assert.ErrorIs(t, err, ErrEof)
}

func TestNoEscapeSequencesModeEchoesPrompt(t *testing.T) {
	config := DefaultConfiguration()
	config.OperationMode = OperationModeNoEscapeSequences
	editor := NewEditor(config).(*lineEditor)
	out := bytes.NewBuffer(nil)
	editor.setOutput(out)
	editor.plainReader = bufio.NewReader(strings.NewReader("ok\n"))

	line, err := editor.GetLine("p> ")
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	assert.Contains(t, out.String(), "p> ")
}

func TestRefreshIsIdempotent(t *testing.T) {
	editor, out := newTestEditor(t)
	editor.cachedPromptValid = true
	editor.InsertString("hello")
	editor.refreshDisplay()

	out.Reset()
	editor.refreshDisplay()
	first := out.String()

	out.Reset()
	editor.refreshDisplay()
	assert.Equal(t, first, out.String())
}

func TestStrippedRenderShowsSameVisibleText(t *testing.T) {
	editor, out := newTestEditor(t)
	editor.InsertString("styled text")
	editor.Stylize(Span{0, 6, SpanModeRune}, Style{Bold: true})
	editor.Stylize(Span{2, 4, SpanModeRune}, underlined())

	editor.refreshNeeded = true
	editor.refreshDisplay()
	styledMetrics := editor.ActualRenderedStringMetrics(out.String())

	editor.StripStyles(true)
	out.Reset()
	editor.refreshNeeded = true
	editor.charsTouchedInTheMiddle = 1
	editor.refreshDisplay()
	strippedMetrics := editor.ActualRenderedStringMetrics(out.String())

	assert.Equal(t, styledMetrics.TotalLength, strippedMetrics.TotalLength)
	assert.Contains(t, out.String(), "styled text")
}

func TestResetRestoresInvariants(t *testing.T) {
	editor, _ := newTestEditor(t)
	editor.AddToHistory("x")
	editor.InsertString("leftovers")
	editor.searchOffset = 3
	editor.state = inputStateGotEscape

	editor.Reset()

	assert.Zero(t, editor.cursor)
	assert.Zero(t, editor.searchOffset)
	assert.Equal(t, inputStateFree, editor.state)
	assert.Equal(t, uint32(len(editor.history)), editor.historyCursor)
}
