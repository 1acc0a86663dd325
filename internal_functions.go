package lined

import (
	"io"
	"strings"
	"unicode"

	"golang.org/x/sys/unix"
)

func isAlphaNumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func finishEditor(editor *lineEditor) {
	editor.Finish()
}

func finishEdit(editor *lineEditor) {
	_, _ = io.WriteString(editor.out, "<EOF>\n")
	if !editor.alwaysRefresh {
		editor.inputError = ErrEof
		editor.Finish()
	}
}

// A "word" for cursor motion is a maximal run of alphanumerics; leading
// non-alphanumerics are skipped.
func cursorLeftWord(editor *lineEditor) {
	if editor.cursor > 0 {
		skippedAtLeastOneCharacter := false
		for {
			if editor.cursor == 0 {
				break
			}
			// Stop after a non-alnum, but only once the position changed.
			if skippedAtLeastOneCharacter && !isAlphaNumeric(editor.buffer[editor.cursor-1]) {
				break
			}
			skippedAtLeastOneCharacter = true
			editor.cursor--
		}
	}
	editor.inlineSearchCursor = editor.cursor
}

func cursorLeftCharacter(editor *lineEditor) {
	if editor.cursor > 0 {
		editor.cursor--
	}
	editor.inlineSearchCursor = editor.cursor
}

func cursorRightWord(editor *lineEditor) {
	if editor.cursor < uint32(len(editor.buffer)) {
		// Temporarily put a space at the end of the buffer; it greatly
		// simplifies the scan below.
		editor.buffer = append(editor.buffer, ' ')
		for {
			if editor.cursor >= uint32(len(editor.buffer)) {
				break
			}
			editor.cursor++
			if !isAlphaNumeric(editor.buffer[editor.cursor]) {
				break
			}
		}
		editor.buffer = editor.buffer[:len(editor.buffer)-1]
	}
	editor.inlineSearchCursor = editor.cursor
	editor.searchOffset = 0
}

func cursorRightCharacter(editor *lineEditor) {
	if editor.cursor < uint32(len(editor.buffer)) {
		editor.cursor++
	}
	editor.inlineSearchCursor = editor.cursor
	editor.searchOffset = 0
}

func goHome(editor *lineEditor) {
	editor.cursor = 0
	editor.inlineSearchCursor = editor.cursor
	editor.searchOffset = 0
}

func goEnd(editor *lineEditor) {
	editor.cursor = uint32(len(editor.buffer))
	editor.inlineSearchCursor = editor.cursor
	editor.searchOffset = 0
}

func eraseCharacterBackwards(editor *lineEditor) {
	if editor.isSearching {
		return
	}
	if editor.cursor == 0 {
		_, _ = editor.out.Write([]byte{'\a'})
		return
	}
	editor.removeAtIndex(editor.cursor - 1)
	editor.cursor--
	editor.inlineSearchCursor = editor.cursor
	editor.refreshNeeded = true
}

func eraseCharacterForwards(editor *lineEditor) {
	if editor.cursor == uint32(len(editor.buffer)) {
		_, _ = editor.out.Write([]byte{'\a'})
		return
	}
	editor.removeAtIndex(editor.cursor)
	editor.refreshNeeded = true
}

// A "word" for deletion is a maximal alnum run; deletion stops after
// crossing at least one alnum. `foo=bar baz` is three words.
func eraseAlnumWordBackwards(editor *lineEditor) {
	hasSeenAlnum := false
	for editor.cursor > 0 {
		if !isAlphaNumeric(editor.buffer[editor.cursor-1]) {
			if hasSeenAlnum {
				break
			}
		} else {
			hasSeenAlnum = true
		}
		eraseCharacterBackwards(editor)
	}
}

func eraseAlnumWordForwards(editor *lineEditor) {
	hasSeenAlnum := false
	for editor.cursor < uint32(len(editor.buffer)) {
		if !isAlphaNumeric(editor.buffer[editor.cursor]) {
			if hasSeenAlnum {
				break
			}
		} else {
			hasSeenAlnum = true
		}
		eraseCharacterForwards(editor)
	}
}

// eraseWordBackwards is VWERASE: a word here is space-delimited.
func eraseWordBackwards(editor *lineEditor) {
	hasSeenNonSpace := false
	for editor.cursor > 0 {
		if isSpace(editor.buffer[editor.cursor-1]) {
			if hasSeenNonSpace {
				break
			}
		} else {
			hasSeenNonSpace = true
		}
		eraseCharacterBackwards(editor)
	}
}

func clearScreen(editor *lineEditor) {
	vtClearScreen(editor.out)
	vtMoveAbsolute(1, 1, editor.out)
	editor.setOriginValue(1, 1)
	editor.refreshNeeded = true
	editor.cachedPromptValid = false
}

func searchForwards(editor *lineEditor) {
	defer func(original uint32) {
		editor.inlineSearchCursor = original
	}(editor.inlineSearchCursor)

	searchPhrase := string(editor.buffer[:editor.inlineSearchCursor])
	if editor.searchOffsetState == searchOffsetStateBackwards {
		editor.searchOffset--
	}
	if editor.searchOffset > 0 {
		original := editor.searchOffset
		defer func() {
			editor.searchOffset = original
		}()
		editor.searchOffset--
		if editor.search(searchPhrase, true, true) {
			editor.searchOffsetState = searchOffsetStateForwards
			original = editor.searchOffset
		} else {
			editor.searchOffsetState = searchOffsetStateUnbiased
		}
	} else {
		// Back at the bottom; restore what was being typed.
		editor.searchOffsetState = searchOffsetStateUnbiased
		editor.charsTouchedInTheMiddle = uint32(len(editor.buffer))
		editor.cursor = 0
		editor.buffer = editor.buffer[:0]
		editor.InsertString(searchPhrase)
		editor.refreshNeeded = true
	}
}

func searchBackwards(editor *lineEditor) {
	defer func(original uint32) {
		editor.inlineSearchCursor = original
	}(editor.inlineSearchCursor)

	searchPhrase := string(editor.buffer[:editor.inlineSearchCursor])
	if editor.searchOffsetState == searchOffsetStateForwards {
		editor.searchOffset++
	}
	if editor.search(searchPhrase, true, true) {
		editor.searchOffsetState = searchOffsetStateBackwards
		editor.searchOffset++
	} else {
		editor.searchOffsetState = searchOffsetStateUnbiased
		editor.searchOffset--
	}
}

func eraseToEnd(editor *lineEditor) {
	for editor.cursor < uint32(len(editor.buffer)) {
		eraseCharacterForwards(editor)
	}
}

func killLine(editor *lineEditor) {
	for i := uint32(0); i < editor.cursor; i++ {
		editor.removeAtIndex(0)
	}
	editor.cursor = 0
	editor.inlineSearchCursor = 0
	editor.refreshNeeded = true
}

func transposeCharacters(editor *lineEditor) {
	if editor.cursor > 0 && len(editor.buffer) >= 2 {
		if editor.cursor < uint32(len(editor.buffer)) {
			editor.cursor++
		}
		editor.buffer[editor.cursor-1], editor.buffer[editor.cursor-2] = editor.buffer[editor.cursor-2], editor.buffer[editor.cursor-1]
		editor.refreshNeeded = true
		editor.charsTouchedInTheMiddle += 2
	}
}

// transposeWords swaps the two alnum-delimited words around the cursor:
// 'abcd,.:efg' with the caret after 'efg' becomes 'efg,.:abcd'. Anchored
// spans overlapping the touched range no longer cover the text they were
// attached to, so they are dropped rather than shifted.
func transposeWords(editor *lineEditor) {
	buffer := editor.buffer

	// Move to the end of the word under (or after) the caret.
	cursor := editor.cursor
	for cursor < uint32(len(buffer)) && !isAlphaNumeric(buffer[cursor]) {
		cursor++
	}
	for cursor < uint32(len(buffer)) && isAlphaNumeric(buffer[cursor]) {
		cursor++
	}

	// Move left over the second word.
	end := cursor
	start := cursor
	for start > 0 && !isAlphaNumeric(buffer[start-1]) {
		start--
	}
	for start > 0 && isAlphaNumeric(buffer[start-1]) {
		start--
	}
	startSecondWord := start

	// Move left over the gap between the two words.
	for start > 0 && !isAlphaNumeric(buffer[start-1]) {
		start--
	}
	startGap := start

	// Move left over the first word.
	for start > 0 && isAlphaNumeric(buffer[start-1]) {
		start--
	}

	if start == startGap {
		return
	}

	// Swap each sub-range in place, then the whole range, which leaves
	// the two words exchanged with the gap preserved.
	swapRange := func(from, to uint32) {
		for i := uint32(0); i < (to-from)/2; i++ {
			buffer[from+i], buffer[to-1-i] = buffer[to-1-i], buffer[from+i]
		}
	}
	swapRange(start, startGap)
	swapRange(startGap, startSecondWord)
	swapRange(startSecondWord, end)
	swapRange(start, end)

	// The characters moved out from under any anchored span that touched
	// the range; drop those spans instead of guessing new offsets.
	editor.dropAnchoredStylesOverlapping(start, end)

	editor.cursor = cursor
	editor.refreshNeeded = true
	editor.charsTouchedInTheMiddle += end - start
}

type caseChangeOp int

const (
	caseChangeOpCapital caseChangeOp = iota
	caseChangeOpLower
	caseChangeOpUpper
)

func caseChangeWord(editor *lineEditor, op caseChangeOp) {
	// A word here is contiguous alnums.
	for editor.cursor < uint32(len(editor.buffer)) && !isAlphaNumeric(editor.buffer[editor.cursor]) {
		editor.cursor++
	}
	start := editor.cursor
	for editor.cursor < uint32(len(editor.buffer)) && isAlphaNumeric(editor.buffer[editor.cursor]) {
		if op == caseChangeOpUpper || (op == caseChangeOpCapital && editor.cursor == start) {
			editor.buffer[editor.cursor] = unicode.ToUpper(editor.buffer[editor.cursor])
		} else {
			editor.buffer[editor.cursor] = unicode.ToLower(editor.buffer[editor.cursor])
		}
		editor.cursor++
		editor.refreshNeeded = true
	}
	editor.charsTouchedInTheMiddle += editor.cursor - start
}

func capitalizeWord(editor *lineEditor) {
	caseChangeWord(editor, caseChangeOpCapital)
}

func lowercaseWord(editor *lineEditor) {
	caseChangeWord(editor, caseChangeOpLower)
}

func uppercaseWord(editor *lineEditor) {
	caseChangeWord(editor, caseChangeOpUpper)
}

func insertLastWords(editor *lineEditor) {
	if len(editor.history) == 0 {
		return
	}

	lastWords := strings.Split(editor.history[len(editor.history)-1].entry, " ")
	if len(lastWords) != 0 {
		editor.InsertString(lastWords[len(lastWords)-1])
	}
}

// enterSearch runs the ^R incremental search: a second editor in eager
// refresh mode takes over the terminal while this one follows its buffer
// through the history.
func enterSearch(editor *lineEditor) {
	if editor.isSearching {
		// ^R while searching is handled by the inner editor's callback.
		return
	}

	editor.isSearching = true
	editor.searchOffset = 0
	editor.preSearchBuffer = append(editor.preSearchBuffer[:0], editor.buffer...)
	editor.preSearchCursor = editor.cursor

	editor.ensureFreeLinesFromOrigin(editor.NumLines() + 1)

	searchEditor := NewEditor(Configuration{
		OperationMode:    OperationModeFull,
		RefreshBehaviour: RefreshBehaviourEager,
	}).(*lineEditor)
	searchEditor.setOutput(editor.out)
	searchEditor.logger = editor.logger
	editor.searchEditor = searchEditor
	searchEditor.Initialize()

	searchEditor.SetRefreshHandler(func(_ Editor) {
		// Drop the inner prompt before updating ourselves; it avoids
		// artifacts when the inner editor moves around.
		searchEditor.cleanup()

		searchPhrase := string(searchEditor.buffer)
		if !editor.search(searchPhrase, false, false) {
			editor.charsTouchedInTheMiddle = uint32(len(editor.buffer))
			editor.refreshNeeded = true
			editor.buffer = editor.buffer[:0]
			editor.cursor = 0
		}

		editor.refreshDisplay()

		// Move the search prompt below ours and have it redraw itself.
		promptEndLine := editor.CurrentPromptMetrics().LinesWithAddition(&editor.cachedBufferMetrics, editor.numColumns)
		searchEditor.setOriginValue(promptEndLine+editor.originRow, 1)
		searchEditor.refreshNeeded = true
	})

	// ^R in the inner editor steps to the next older match.
	searchEditor.RegisterCharInputCallback(rune(ctrl('R')), func(_ Editor) bool {
		editor.searchOffset++
		searchEditor.refreshNeeded = true
		return false
	})

	// Backspace steps back towards newer matches first; only at the
	// newest does it start deleting from the phrase.
	searchEditor.RegisterCharInputCallback(rune(searchEditor.termios.Cc[unix.VERASE]), func(_ Editor) bool {
		if editor.searchOffset > 0 {
			editor.searchOffset--
			searchEditor.refreshNeeded = true
			return false
		}
		// This callback replaces the default erase binding for the key.
		eraseCharacterBackwards(searchEditor)
		return false
	})

	// ^C cancels the search.
	searchEditor.RegisterCharInputCallback(rune(ctrl('C')), func(_ Editor) bool {
		// An empty search line makes us restore the pre-search buffer.
		searchEditor.buffer = searchEditor.buffer[:0]
		searchEditor.Finish()
		editor.resetBufferOnSearchEnd = true
		return false
	})

	// ^L has to redraw the outer prompt first, or the prompts end up in
	// the wrong order: refresh ourselves at the top, then move the inner
	// prompt below and suppress its default handling.
	searchEditor.RegisterCharInputCallback(rune(ctrl('L')), func(_ Editor) bool {
		vtClearScreen(editor.out)

		editor.alwaysRefresh = true
		editor.setOriginValue(1, 1)
		editor.refreshNeeded = true
		editor.refreshDisplay()
		editor.alwaysRefresh = false

		searchEditor.setOriginValue(2, 1)
		searchEditor.refreshNeeded = true
		return false
	})

	// Tab quits the search and keeps the current match in the buffer.
	searchEditor.RegisterCharInputCallback('\t', func(_ Editor) bool {
		searchEditor.Finish()
		editor.resetBufferOnSearchEnd = false
		return false
	})

	// The inner editor owns the terminal now; stop treating read events
	// as ours until it returns.
	editor.isEditing = false

	// Signals still arrive on our channel while the inner loop runs.
	stopChan := make(chan struct{})
	defer close(stopChan)
	go func() {
		for {
			select {
			case <-stopChan:
				return
			case sig := <-editor.signalChan:
				if sig == unix.SIGWINCH {
					editor.resized()
				} else if sig == unix.SIGINT {
					editor.interrupted()
				}
			}
		}
	}()

	searchPrompt := "\x1b[32msearch:\x1b[0m "
	searchStringResult, err := searchEditor.GetLine(searchPrompt)

	stopChan <- struct{}{}

	// Grab where the inner origin last was; everything up to that point
	// is cleared below.
	searchEndRow := searchEditor.originRow

	editor.searchEditor = nil
	editor.isSearching = false
	editor.isEditing = true
	editor.searchOffset = 0

	if err != nil {
		// The inner session failed; so does ours.
		editor.inputError = err
		editor.Finish()
		return
	}

	// Manually clean the search line up.
	editor.repositionCursor(editor.out, false)
	searchMetrics := editor.ActualRenderedStringMetrics(searchStringResult)
	promptMetrics := editor.ActualRenderedStringMetrics(searchPrompt)
	vtClearLines(0, promptMetrics.LinesWithAddition(&searchMetrics, editor.numColumns)+searchEndRow-editor.originRow-1, editor.out)

	editor.repositionCursor(editor.out, false)
	editor.refreshNeeded = true
	editor.cachedPromptValid = false
	editor.charsTouchedInTheMiddle = 1

	if !editor.resetBufferOnSearchEnd || searchMetrics.TotalLength == 0 {
		// The search entry was empty, or tab accepted the match: keep
		// editing instead of submitting.
		editor.endSearch()
		return
	}

	// Otherwise the current buffer is the submitted line.
	editor.Finish()
}
