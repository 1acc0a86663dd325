package lined

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/inconshreveable/log15"
	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// printedCodePointWidth is the number of cells a code point occupies on
// screen; control characters count the width of their caret or hex
// rendition.
func printedCodePointWidth(c rune) uint32 {
	if c == 0x7f || c < 0x20 {
		if c < 64 {
			return 2 // ^X
		}
		return 4 // \x7f
	}
	return uint32(runewidth.RuneWidth(c))
}

type lineEditor struct {
	finish                 bool
	searchEditor           *lineEditor
	isSearching            bool
	resetBufferOnSearchEnd bool
	searchOffset           uint32
	searchOffsetState      searchOffsetState
	preSearchCursor        uint32
	preSearchBuffer        []rune

	buffer         []rune
	pendingChars   []byte
	incompleteData []byte
	inputError     error
	returnedLine   string

	cursor                            uint32
	drawnCursor                       uint32
	drawnEndOfLineOffset              uint32
	inlineSearchCursor                uint32
	charsTouchedInTheMiddle           uint32
	timesTabPressed                   uint32
	numColumns                        uint32
	numLines                          uint32
	previousNumColumns                uint32
	extraForwardLines                 uint32
	cachedPromptMetrics               StringMetrics
	oldPromptMetrics                  StringMetrics
	cachedBufferMetrics               StringMetrics
	promptLinesAtSuggestionInitiation uint32
	cachedPromptValid                 bool

	originRow               uint32
	originColumn            uint32
	hasOriginResetScheduled bool

	suggestionDisplay              suggestionDisplay
	suggestionManager              suggestionManager
	rememberedSuggestionStaticData []rune

	newPrompt string

	alwaysRefresh bool

	tabDirection tabDirection

	keyCallbackMachine keyCallbackMachine

	configuration Configuration
	out           io.Writer
	logger        log15.Logger
	plainReader   *bufio.Reader

	termios        unix.Termios
	defaultTermios unix.Termios
	wasInterrupted bool
	wasResized     bool

	history       []historyEntry
	historyCursor uint32
	historyDirty  bool

	state inputState

	drawnSpans         spans
	drawnAnchoredSpans spans
	currentSpans       spans
	anchoredSpans      spans

	initialized   bool
	refreshNeeded bool

	isEditing                bool
	prohibitInputProcessing  bool
	haveUnprocessedReadEvent bool

	loopChan   chan loopExitCode
	laterChan  chan laterEventCode
	signalChan chan os.Signal

	onInterruptHandled   func()
	tabCompletionHandler TabCompletionHandler
	onRefresh            func(editor Editor)
	onExit               func()
}

type loopExitCode int
type laterEventCode int

const (
	loopExitCodeExit loopExitCode = iota
)

const (
	laterEventCodeHandleResizeEventFalse laterEventCode = iota
	laterEventCodeHandleResizeEventTrue
	laterEventCodeTryUpdateOnce
)

func (l *lineEditor) getTerminalSize() {
	winsize, _ := unix.IoctlGetWinsize(unix.Stdout, unix.TIOCGWINSZ)
	if winsize == nil || winsize.Col == 0 || winsize.Row == 0 {
		fd, err := unix.Open("/dev/tty", unix.O_RDONLY, 0)
		if err == nil {
			winsize, _ = unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
			_ = unix.Close(fd)
		}
	}

	if winsize == nil || winsize.Col == 0 || winsize.Row == 0 {
		l.numColumns = 80
		l.numLines = 25
		return
	}

	l.numColumns = uint32(winsize.Col)
	l.numLines = uint32(winsize.Row)
}

func editorInternal(fn func(editor *lineEditor)) KeybindingCallback {
	return func(_ []key, editor Editor) bool {
		fn(editor.(*lineEditor))
		return false
	}
}

func (l *lineEditor) setDefaultKeybinds() {
	l.RegisterKeybinding([]key{CtrlKey('N')}, editorInternal(searchForwards))
	l.RegisterKeybinding([]key{CtrlKey('P')}, editorInternal(searchBackwards))
	l.RegisterKeybinding([]key{CtrlKey('A')}, editorInternal(goHome))
	l.RegisterKeybinding([]key{CtrlKey('B')}, editorInternal(cursorLeftCharacter))
	l.RegisterKeybinding([]key{CtrlKey('D')}, editorInternal(eraseCharacterForwards))
	l.RegisterKeybinding([]key{CtrlKey('E')}, editorInternal(goEnd))
	l.RegisterKeybinding([]key{CtrlKey('F')}, editorInternal(cursorRightCharacter))
	// ^H: ctrl('H') == '\b'
	l.RegisterKeybinding([]key{CtrlKey('H')}, editorInternal(eraseCharacterBackwards))
	// DEL; some terminals send this instead of ^H.
	l.RegisterKeybinding([]key{Key(0x7f)}, editorInternal(eraseCharacterBackwards))
	l.RegisterKeybinding([]key{CtrlKey('K')}, editorInternal(eraseToEnd))
	l.RegisterKeybinding([]key{CtrlKey('L')}, editorInternal(clearScreen))
	l.RegisterKeybinding([]key{CtrlKey('R')}, editorInternal(enterSearch))
	l.RegisterKeybinding([]key{CtrlKey('T')}, editorInternal(transposeCharacters))
	l.RegisterKeybinding([]key{Key('\n')}, editorInternal(finishEditor))

	// ^[.: insert the last word of the previous history entry, like `!$`.
	l.RegisterKeybinding([]key{AltKey('.')}, editorInternal(insertLastWords))

	l.RegisterKeybinding([]key{AltKey('b')}, editorInternal(cursorLeftWord))
	l.RegisterKeybinding([]key{AltKey('f')}, editorInternal(cursorRightWord))
	// ^[^H: alt-backspace: backward delete word
	l.RegisterKeybinding([]key{AltKey('\b')}, editorInternal(eraseAlnumWordBackwards))
	l.RegisterKeybinding([]key{AltKey('d')}, editorInternal(eraseAlnumWordForwards))
	l.RegisterKeybinding([]key{AltKey('c')}, editorInternal(capitalizeWord))
	l.RegisterKeybinding([]key{AltKey('l')}, editorInternal(lowercaseWord))
	l.RegisterKeybinding([]key{AltKey('u')}, editorInternal(uppercaseWord))
	l.RegisterKeybinding([]key{AltKey('t')}, editorInternal(transposeWords))

	l.RegisterKeybinding([]key{Key(rune(l.termios.Cc[unix.VWERASE]))}, editorInternal(eraseWordBackwards))
	l.RegisterKeybinding([]key{Key(rune(l.termios.Cc[unix.VKILL]))}, editorInternal(killLine))
	l.RegisterKeybinding([]key{Key(rune(l.termios.Cc[unix.VERASE]))}, editorInternal(eraseCharacterBackwards))
}

// handleInterruptEvent recovers from ^C locally: the buffer is dropped
// and editing continues with a fresh prompt line.
func (l *lineEditor) handleInterruptEvent() {
	l.wasInterrupted = false

	l.keyCallbackMachine.interrupted(l)
	if !l.keyCallbackMachine.shouldProcessLastPressedKey() {
		return
	}

	if len(l.buffer) != 0 {
		_, _ = io.WriteString(l.out, "^C")
	}

	l.buffer = l.buffer[:0]
	l.charsTouchedInTheMiddle = 0
	l.cursor = 0

	if l.onInterruptHandled != nil {
		l.onInterruptHandled()
	}

	l.refreshNeeded = true
	l.refreshDisplay()
}

func (l *lineEditor) cursorLine() uint32 {
	cursor := min(l.drawnCursor, l.cursor)
	metrics := l.ActualRenderedStringMetrics(string(l.buffer[:cursor]))
	return l.CurrentPromptMetrics().LinesWithAddition(&metrics, l.numColumns)
}

func (l *lineEditor) offsetInLine() uint32 {
	cursor := min(l.drawnCursor, l.cursor)
	metrics := l.ActualRenderedStringMetrics(string(l.buffer[:cursor]))
	return l.CurrentPromptMetrics().OffsetWithAddition(&metrics, l.numColumns)
}

func (l *lineEditor) ensureFreeLinesFromOrigin(count uint32) {
	if count > l.numLines {
		count = l.numLines
	}

	if l.originRow+count <= l.numLines {
		return
	}

	diff := l.originRow + count - l.numLines - 1
	_, _ = fmt.Fprintf(l.out, "\x1b[%dS", diff)
	l.originRow -= diff
	l.refreshNeeded = false
	l.charsTouchedInTheMiddle = 0
}

func (l *lineEditor) repositionCursor(stream io.Writer, toEnd bool) {
	cursor := l.cursor
	savedCursor := cursor
	if toEnd {
		cursor = uint32(len(l.buffer))
	}

	l.cursor = cursor
	l.drawnCursor = cursor

	line := l.cursorLine() - 1
	column := l.offsetInLine()

	l.ensureFreeLinesFromOrigin(line)

	vtMoveAbsolute(line+l.originRow, column+l.originColumn, stream)

	l.cursor = savedCursor
}

func (l *lineEditor) restore() {
	if l.configuration.OperationMode == OperationModeFull {
		_ = setTermios(&l.defaultTermios)
	}
	l.initialized = false
}

func (l *lineEditor) setOrigin(quitOnError bool) bool {
	row, col, err := l.vtDSR()
	if err == nil {
		l.setOriginValue(row, col)
		return true
	}
	if quitOnError {
		l.inputError = err
		l.Finish()
	}
	return false
}

func (l *lineEditor) setOriginValue(row, col uint32) {
	l.originRow = row
	l.originColumn = col
	l.suggestionDisplay.setOrigin(row, col)
}

// vtDSR queries the cursor position. Pending input is drained into the
// incomplete buffer first so the reply is the next thing on the wire.
func (l *lineEditor) vtDSR() (uint32, uint32, error) {
	buf := make([]byte, 16)

	for {
		readFds := unix.FdSet{}
		readFds.Set(unix.Stdin)
		timeout := unix.Timeval{}
		_, _ = unix.Select(1, &readFds, nil, nil, &timeout)
		if !readFds.IsSet(unix.Stdin) {
			break
		}
		nread, err := unix.Read(unix.Stdin, buf)
		if err != nil && err != unix.EINTR {
			return 0, 0, errors.Wrap(err, "draining input before DSR")
		}
		if nread <= 0 {
			break
		}
		l.incompleteData = append(l.incompleteData, buf[:nread]...)
	}

	_, _ = io.WriteString(l.out, "\x1b[6n")

	const (
		dsrFree = iota
		dsrSawEsc
		dsrSawBracket
		dsrInFirstCoordinate
		dsrSawSemicolon
		dsrInSecondCoordinate
		dsrDone
	)

	state := dsrFree
	hasError := false
	coordinateBuffer := bytes.NewBuffer(nil)
	row := uint32(1)
	col := uint32(1)
	c := make([]byte, 1)

	for state != dsrDone {
		nread, err := os.Stdin.Read(c)
		if err != nil {
			if err == io.EOF {
				return 0, 0, ErrEmpty
			}
			return 0, 0, errors.Wrap(err, "reading DSR response")
		}
		if nread == 0 {
			return 0, 0, ErrEmpty
		}

		switch state {
		case dsrFree:
			if c[0] == '\x1b' {
				state = dsrSawEsc
				continue
			}
		case dsrSawEsc:
			if c[0] == '[' {
				state = dsrSawBracket
				continue
			}
			state = dsrFree
		case dsrSawBracket:
			if c[0] >= '0' && c[0] <= '9' {
				state = dsrInFirstCoordinate
				coordinateBuffer.Write(c)
				continue
			}
			state = dsrFree
		case dsrInFirstCoordinate:
			if c[0] >= '0' && c[0] <= '9' {
				coordinateBuffer.Write(c)
				continue
			}
			if c[0] == ';' {
				parsedRow, err := strconv.Atoi(coordinateBuffer.String())
				if err != nil {
					hasError = true
				} else {
					row = uint32(parsedRow)
				}
				coordinateBuffer.Reset()
				state = dsrSawSemicolon
				continue
			}
			state = dsrFree
			coordinateBuffer.Reset()
		case dsrSawSemicolon:
			if c[0] >= '0' && c[0] <= '9' {
				state = dsrInSecondCoordinate
				coordinateBuffer.Write(c)
				continue
			}
			state = dsrFree
		case dsrInSecondCoordinate:
			if c[0] >= '0' && c[0] <= '9' {
				coordinateBuffer.Write(c)
				continue
			}
			if c[0] == 'R' {
				parsedCol, err := strconv.Atoi(coordinateBuffer.String())
				if err != nil {
					hasError = true
				} else {
					col = uint32(parsedCol)
				}
				state = dsrDone
				continue
			}
			state = dsrFree
			coordinateBuffer.Reset()
		}

		// Anything that fell out of the reply grammar is user input that
		// raced the query; keep it for the next read event.
		l.incompleteData = append(l.incompleteData, c...)
	}

	if hasError {
		l.logger.Warn("terminal sent a garbled DSR reply")
	}
	return row, col, nil
}

func (l *lineEditor) interrupted() {
	if l.isSearching {
		l.searchEditor.interrupted()
		return
	}

	if !l.isEditing {
		return
	}

	l.wasInterrupted = true
	l.handleInterruptEvent()
	if l.finish {
		l.reallyQuitEventLoop()
	}
}

func (l *lineEditor) resized() {
	l.wasResized = true
	l.previousNumColumns = l.numColumns
	l.getTerminalSize()

	if !l.hasOriginResetScheduled {
		// Reset the origin, but don't blow up if it can't be read yet.
		if l.setOrigin(false) {
			l.handleResizeEvent(false)
		} else {
			l.enqueueLaterEvent(laterEventCodeHandleResizeEventFalse)
			l.hasOriginResetScheduled = true
		}
	}
}

func (l *lineEditor) enqueueLaterEvent(code laterEventCode) {
	if l.laterChan != nil {
		l.laterChan <- code
	}
}

func (l *lineEditor) handleResizeEvent(resetOrigin bool) {
	l.hasOriginResetScheduled = false
	if resetOrigin && !l.setOrigin(false) {
		l.hasOriginResetScheduled = true
		l.enqueueLaterEvent(laterEventCodeHandleResizeEventTrue)
		return
	}

	l.setOriginValue(l.originRow, 1)
	l.repositionCursor(l.out, true)
	l.suggestionDisplay.redisplay(l.suggestionManager, l.numLines, l.numColumns)
	l.originRow = l.suggestionDisplay.originRow()
	l.repositionCursor(l.out, true)

	if l.isSearching {
		l.searchEditor.resized()
	}
}

func (l *lineEditor) Initialize() {
	if l.initialized {
		return
	}

	l.configuration.resolve()

	if t, err := getTermios(); err == nil {
		l.defaultTermios = *t
		l.termios = *t
	}

	if l.wasResized {
		l.getTerminalSize()
	}

	// The editor implements its own line discipline, echoing included.
	if l.configuration.OperationMode == OperationModeFull {
		t := l.termios
		t.Lflag &^= unix.ECHO | unix.ICANON
		if err := setTermios(&t); err != nil {
			l.logger.Warn("could not put the terminal into raw mode", "err", err)
		}
		l.termios = t
	}

	// Rebind so the erase/kill/eof keys reflect the real terminal.
	l.setDefaultKeybinds()
	l.initialized = true
}

func (l *lineEditor) CurrentPromptMetrics() *StringMetrics {
	if l.cachedPromptValid {
		return &l.cachedPromptMetrics
	}
	return &l.oldPromptMetrics
}

func (l *lineEditor) GetLine(prompt string) (string, error) {
	l.Initialize()
	l.isEditing = true

	if l.configuration.OperationMode != OperationModeFull {
		return l.getLineUninteractive(prompt)
	}

	oldCols := l.numColumns
	oldLines := l.numLines
	l.getTerminalSize()

	if l.numColumns != oldCols || l.numLines != oldLines {
		l.refreshNeeded = true
	}

	l.SetPrompt(prompt)
	l.Reset()
	l.StripStyles(true)

	promptLines := max(uint32(len(l.CurrentPromptMetrics().LineMetrics)), 1) - 1
	for i := uint32(0); i < promptLines; i++ {
		_, _ = io.WriteString(l.out, "\n")
	}
	vtMoveRelative(-int64(promptLines), 0, l.out)
	l.setOrigin(true)

	l.historyCursor = uint32(len(l.history))

	l.refreshDisplay()

	l.loopChan = make(chan loopExitCode, 1)
	l.laterChan = make(chan laterEventCode, 16)
	defer func() {
		close(l.loopChan)
		close(l.laterChan)
		l.loopChan = nil
		l.laterChan = nil
	}()

	go func() {
		defer func() {
			// The channels close when GetLine returns; a send racing that
			// is fine to drop.
			recover()
		}()
		for {
			fds := unix.FdSet{}
			fds.Set(unix.Stdin)

			n, err := unix.Select(1, &fds, nil, nil, nil)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				l.inputError = errors.Wrap(err, "waiting for input")
				l.loopChan <- loopExitCodeExit
				return
			}
			if n == 0 || !fds.IsSet(unix.Stdin) {
				continue
			}

			l.laterChan <- laterEventCodeTryUpdateOnce
		}
	}()

	if len(l.incompleteData) != 0 {
		l.laterChan <- laterEventCodeTryUpdateOnce
	}

	l.signalChan = make(chan os.Signal, 1)
	defer func() {
		if l.configuration.EnableSignalHandling {
			signal.Stop(l.signalChan)
		}
		close(l.signalChan)
	}()
	if l.configuration.EnableSignalHandling {
		signal.Notify(l.signalChan, unix.SIGWINCH, unix.SIGINT)
	}

	for {
		select {
		case sig := <-l.signalChan:
			if sig == unix.SIGWINCH {
				l.resized()
			} else if sig == unix.SIGINT {
				l.interrupted()
			}
		case code := <-l.laterChan:
			if l.finish {
				continue
			}
			switch code {
			case laterEventCodeHandleResizeEventFalse:
				l.handleResizeEvent(false)
			case laterEventCodeHandleResizeEventTrue:
				l.handleResizeEvent(true)
			case laterEventCodeTryUpdateOnce:
				l.tryUpdateOnce()
			}
		case <-l.loopChan:
			l.finish = false
			return l.returnedLine, l.inputError
		}
	}
}

// getLineUninteractive is the NoEscapeSequences/NonInteractive path: a
// plain blocking line read with no editing.
func (l *lineEditor) getLineUninteractive(prompt string) (string, error) {
	if l.configuration.OperationMode == OperationModeNoEscapeSequences {
		_, _ = io.WriteString(l.out, prompt)
	}

	if l.plainReader == nil {
		l.plainReader = bufio.NewReader(os.Stdin)
	}

	line, err := l.plainReader.ReadString('\n')
	l.isEditing = false
	if l.onExit != nil {
		l.onExit()
	}
	if err != nil {
		if err == io.EOF {
			if len(line) == 0 {
				return "", ErrEof
			}
			return line, nil
		}
		return "", errors.Wrap(err, "read failed")
	}

	return strings.TrimSuffix(line, "\n"), nil
}

// AddToHistory appends a line, dropping the oldest entry once capacity is
// reached. Empty lines are not recorded.
func (l *lineEditor) AddToHistory(line string) {
	if len(line) == 0 {
		return
	}
	if uint32(len(l.history))+1 > l.configuration.HistoryCapacity {
		l.history = l.history[1:]
	}
	l.history = append(l.history, historyEntry{
		entry:     line,
		timestamp: time.Now().Unix(),
	})
	l.historyDirty = true
}

func (l *lineEditor) LoadHistory(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening history at %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		l.AddToHistory(scanner.Text())
	}

	return scanner.Err()
}

func (l *lineEditor) SaveHistory(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating history at %s", path)
	}
	defer f.Close()

	for _, entry := range l.history {
		if _, err := f.WriteString(entry.entry + "\n"); err != nil {
			return err
		}
	}

	l.historyDirty = false
	return nil
}

func (l *lineEditor) RegisterKeybinding(keys []key, binding KeybindingCallback) {
	l.keyCallbackMachine.registerInputCallback(keys, binding)
}

// RegisterCharInputCallback attaches a handler to a single code point; a
// false return suppresses the default processing for that key.
func (l *lineEditor) RegisterCharInputCallback(ch rune, callback CharInputCallback) {
	l.RegisterKeybinding([]key{Key(ch)}, func(_ []key, editor Editor) bool {
		return callback(editor)
	})
}

func (l *lineEditor) SetTabCompletionHandler(handler TabCompletionHandler) {
	l.tabCompletionHandler = handler
}

func (l *lineEditor) SetInterruptHandler(handler func()) {
	l.onInterruptHandled = handler
}

func (l *lineEditor) SetRefreshHandler(handler func(editor Editor)) {
	l.onRefresh = handler
}

// SetExitHandler runs the handler when a session ends, whatever the exit
// path was.
func (l *lineEditor) SetExitHandler(handler func()) {
	l.onExit = handler
}

func (l *lineEditor) SetLogger(logger log15.Logger) {
	l.logger = logger
}

// setOutput points all terminal writes, the suggestion display included,
// at the given writer.
func (l *lineEditor) setOutput(w io.Writer) {
	l.out = w
	l.suggestionDisplay.setOutput(w)
}

func (l *lineEditor) SetLine(line string) {
	runes := []rune(line)
	l.inlineSearchCursor = min(l.cursor, uint32(len(runes)))
	l.cursor = l.inlineSearchCursor
	l.charsTouchedInTheMiddle = uint32(len(l.buffer))
	l.refreshNeeded = true
	l.buffer = runes
	l.cachedBufferMetrics = l.ActualRenderedStringMetrics(line)
}

func (l *lineEditor) Line() string {
	return l.LineUpTo(uint32(len(l.buffer)))
}

func (l *lineEditor) LineUpTo(n uint32) string {
	return string(l.buffer[:min(n, uint32(len(l.buffer)))])
}

func (l *lineEditor) SetPrompt(prompt string) {
	if l.cachedPromptValid {
		l.oldPromptMetrics = l.cachedPromptMetrics
	}
	l.cachedPromptValid = false
	l.cachedPromptMetrics = l.ActualRenderedStringMetrics(prompt)
	l.newPrompt = prompt
}

func (l *lineEditor) InsertString(str string) {
	for _, r := range str {
		l.InsertChar(r)
	}
}

func (l *lineEditor) InsertChar(ch rune) {
	l.pendingChars = append(l.pendingChars, string(ch)...)

	l.readjustAnchoredStyles(l.cursor, modificationKindInsertion)

	if l.cursor == uint32(len(l.buffer)) {
		l.buffer = append(l.buffer, ch)
		l.cursor = uint32(len(l.buffer))
		l.inlineSearchCursor = l.cursor
		return
	}

	b := append([]rune{}, l.buffer[:l.cursor]...)
	b = append(b, ch)
	l.buffer = append(b, l.buffer[l.cursor:]...)
	l.charsTouchedInTheMiddle++
	l.cursor++
	l.inlineSearchCursor = l.cursor
}

// Suggest declares the invariant/static split of the token under
// completion; offsets may be byte-oriented.
func (l *lineEditor) Suggest(invariantOffset, staticOffset uint32, mode SpanMode) {
	staticOffset, invariantOffset = l.TransformSuggestionOffsets(invariantOffset, staticOffset, mode)
	l.suggestionManager.setSuggestionVariants(staticOffset, invariantOffset)
}

func (l *lineEditor) TransformSuggestionOffsets(invariant, static uint32, mode SpanMode) (uint32, uint32) {
	internalStaticOffset := static
	internalInvariantOffset := invariant
	if mode == SpanModeByte {
		scanOffset := uint32(0)
		if l.cursor > 0 {
			scanOffset = l.cursor - 1
		}
		start, end := l.byteOffsetRangeToCodePointOffsetRange(static, invariant+static, scanOffset, true)
		internalStaticOffset = start
		internalInvariantOffset = end - start
	}
	return internalStaticOffset, internalInvariantOffset
}

func (l *lineEditor) TerminalSize() Winsize {
	return Winsize{
		Row: uint16(l.numLines),
		Col: uint16(l.numColumns),
	}
}

func (l *lineEditor) Finish() {
	l.finish = true
}

func (l *lineEditor) IsEditing() bool {
	return l.isEditing
}

func (l *lineEditor) Reset() {
	l.cachedBufferMetrics.Reset()
	l.cachedPromptValid = false
	l.cursor = 0
	l.drawnCursor = 0
	l.inlineSearchCursor = 0
	l.searchOffset = 0
	l.searchOffsetState = searchOffsetStateUnbiased
	l.oldPromptMetrics = l.cachedPromptMetrics
	l.setOriginValue(0, 0)
	l.promptLinesAtSuggestionInitiation = 0
	l.refreshNeeded = true
	l.inputError = nil
	l.returnedLine = ""
	l.charsTouchedInTheMiddle = 0
	l.drawnEndOfLineOffset = 0
	l.drawnSpans = newSpans()
	l.drawnAnchoredSpans = newSpans()
	l.historyCursor = uint32(len(l.history))
	l.state = inputStateFree
}

func (l *lineEditor) recalculateOrigin() {
	// Shrinking the columns can grow the prompt by extra wrapped lines,
	// which pushes the origin down.
	if l.cachedPromptMetrics.MaxLineLength >= l.numColumns {
		l.originRow += (l.cachedPromptMetrics.MaxLineLength+1)/l.numColumns - 1
	}

	// The cursor position is recalculated at the next refresh cycle.
}

func (l *lineEditor) cleanup() {
	currentBufferMetrics := l.ActualRenderedStringMetrics(string(l.buffer))
	newLines := l.CurrentPromptMetrics().LinesWithAddition(&currentBufferMetrics, l.numColumns)
	shownLines := l.NumLines()
	if newLines < shownLines {
		l.extraForwardLines = max(shownLines-newLines, l.extraForwardLines)
	}

	l.repositionCursor(l.out, true)
	currentLine := l.NumLines()
	vtClearLines(currentLine, l.extraForwardLines, l.out)
	l.extraForwardLines = 0
	l.repositionCursor(l.out, false)
}

func (l *lineEditor) NumLines() uint32 {
	return l.CurrentPromptMetrics().LinesWithAddition(&l.cachedBufferMetrics, l.numColumns)
}

func (l *lineEditor) refreshDisplay() {
	outputBuffer := bytes.NewBuffer(nil)
	defer func() {
		_, _ = l.out.Write(outputBuffer.Bytes())
	}()

	hasCleanedUp := false
	if l.wasResized {
		if l.previousNumColumns != l.numColumns {
			// Width changed; clean up and redraw everything against the
			// old geometry before laying out against the new one.
			l.cachedPromptValid = false
			l.refreshNeeded = true
			l.numColumns, l.previousNumColumns = l.previousNumColumns, l.numColumns
			l.recalculateOrigin()
			l.cleanup()
			l.numColumns, l.previousNumColumns = l.previousNumColumns, l.numColumns
			hasCleanedUp = true
		}
		l.wasResized = false
	}

	// We might be refreshing at the last line with more than one line of
	// content, which scrolls the terminal; reserve the space and pull the
	// origin up.
	currentNumLines := l.NumLines()
	if l.originRow+currentNumLines > l.numLines {
		if currentNumLines > l.numLines {
			for i := uint32(0); i < l.numLines; i++ {
				_, _ = outputBuffer.WriteString("\n")
			}
			l.originRow = 0
		} else {
			oldOriginRow := l.originRow
			l.originRow = l.numLines - currentNumLines + 1
			for i := uint32(0); i < oldOriginRow-l.originRow; i++ {
				_, _ = outputBuffer.WriteString("\n")
			}
		}
	}

	// Pure cursor movement does not invoke the refresh hook.
	if l.cachedPromptValid && !l.refreshNeeded && len(l.pendingChars) == 0 {
		l.repositionCursor(outputBuffer, false)
		l.cachedBufferMetrics = l.ActualRenderedStringMetrics(string(l.buffer))
		l.drawnEndOfLineOffset = uint32(len(l.buffer))
		return
	}

	if l.onRefresh != nil {
		l.onRefresh(l)
	}

	if l.cachedPromptValid && !l.refreshNeeded && l.cursor == uint32(len(l.buffer)) {
		// Everything is appended at the end; just write the pending
		// characters out.
		outputBuffer.Write(l.pendingChars)
		l.pendingChars = l.pendingChars[:0]
		l.drawnCursor = l.cursor
		l.drawnEndOfLineOffset = uint32(len(l.buffer))
		l.cachedBufferMetrics = l.ActualRenderedStringMetrics(string(l.buffer))
		l.drawnSpans = l.currentSpans.copy()
		l.drawnAnchoredSpans = l.anchoredSpans.copy()
		return
	}

	applyStyles := func(i uint32) {
		ends := l.currentSpans.ending[i]
		starts := l.currentSpans.starting[i]
		anchoredEnds := l.anchoredSpans.ending[i]
		anchoredStarts := l.anchoredSpans.starting[i]

		if len(ends) > 0 || len(anchoredEnds) > 0 {
			style := Style{}
			for _, applicableStyle := range ends {
				style.UnifyWith(applicableStyle, false)
			}
			for _, applicableStyle := range anchoredEnds {
				style.UnifyWith(applicableStyle, false)
			}

			// Disable everything that should be turned off, then reapply
			// styles for overlapping spans that cover this offset.
			vtApplyStyle(style, outputBuffer, false)
			style = l.findApplicableStyle(i)
			vtApplyStyle(style, outputBuffer, true)
		}
		if len(starts) > 0 || len(anchoredStarts) > 0 {
			style := Style{}
			for _, applicableStyle := range starts {
				style.UnifyWith(applicableStyle, false)
			}
			for _, applicableStyle := range anchoredStarts {
				style.UnifyWith(applicableStyle, false)
			}
			vtApplyStyle(style, outputBuffer, true)
		}
	}

	printCharacterAt := func(i uint32) {
		c := l.buffer[i]
		shouldPrintMasked := c == 0x7f || (c < 0x20 && c != '\n')
		shouldPrintCaret := c < 64 && shouldPrintMasked
		var s string
		switch {
		case shouldPrintCaret:
			s = "^" + string(c+64)
		case shouldPrintMasked:
			s = "\\x" + strconv.FormatInt(int64(c), 16)
		default:
			s = string(c)
		}

		if shouldPrintMasked {
			outputBuffer.WriteString("\x1b[7m")
		}
		outputBuffer.WriteString(s)
		if shouldPrintMasked {
			outputBuffer.WriteString("\x1b[27m")
		}
	}

	if !l.alwaysRefresh && l.cachedPromptValid && l.charsTouchedInTheMiddle == 0 &&
		l.drawnSpans.containsUpToOffset(&l.currentSpans, l.drawnCursor) &&
		l.drawnAnchoredSpans.containsUpToOffset(&l.anchoredSpans, l.drawnCursor) {
		initialStyle := l.findApplicableStyle(l.drawnEndOfLineOffset)
		vtApplyStyle(initialStyle, outputBuffer, true)

		for i := l.drawnEndOfLineOffset; i < uint32(len(l.buffer)); i++ {
			applyStyles(i)
			printCharacterAt(i)
		}

		vtApplyStyle(StyleReset, outputBuffer, true)
		l.pendingChars = l.pendingChars[:0]
		l.refreshNeeded = false
		l.cachedBufferMetrics = l.ActualRenderedStringMetrics(string(l.buffer))
		l.charsTouchedInTheMiddle = 0
		l.drawnCursor = l.cursor
		l.drawnEndOfLineOffset = uint32(len(l.buffer))

		// The cursor is already where it should be.
		return
	}

	// Ouch, reflow the entire line.
	if !hasCleanedUp {
		l.cleanup()
	}

	vtMoveAbsolute(l.originRow, l.originColumn, outputBuffer)
	outputBuffer.WriteString(l.newPrompt)

	vtClearToEndOfLine(outputBuffer)

	for i := uint32(0); i < uint32(len(l.buffer)); i++ {
		applyStyles(i)
		printCharacterAt(i)
	}

	vtApplyStyle(StyleReset, outputBuffer, true) // Don't bleed to EOL.

	l.pendingChars = l.pendingChars[:0]
	l.refreshNeeded = false
	l.cachedBufferMetrics = l.ActualRenderedStringMetrics(string(l.buffer))
	l.charsTouchedInTheMiddle = 0
	l.drawnSpans = l.currentSpans.copy()
	l.drawnAnchoredSpans = l.anchoredSpans.copy()
	l.drawnEndOfLineOffset = uint32(len(l.buffer))
	l.cachedPromptValid = true

	l.repositionCursor(outputBuffer, false)
}

// findApplicableStyle merges every span that starts before the offset and
// ends after it; spans starting at the offset are not included.
func (l *lineEditor) findApplicableStyle(offset uint32) Style {
	style := StyleReset
	unify := func(start uint32, ends map[uint32]Style) {
		if start >= offset {
			return
		}
		for end, applicableStyle := range ends {
			if end <= offset {
				continue
			}
			style.UnifyWith(applicableStyle, true)
		}
	}

	for start, ends := range l.currentSpans.starting {
		unify(start, ends)
	}
	for start, ends := range l.anchoredSpans.starting {
		unify(start, ends)
	}

	return style
}

type vtState int

const (
	vtStateFree vtState = iota
	vtStateEscape
	vtStateBracket
	vtStateBracketArgsSemi
	vtStateTitle
)

// ActualRenderedStringMetrics measures the visual extent of a string as
// the terminal would render it, skipping over recognized escapes.
func (l *lineEditor) ActualRenderedStringMetrics(line string) StringMetrics {
	metrics := StringMetrics{}
	currentLine := LineMetrics{}
	state := vtStateFree
	runes := []rune(line)

	for i, c := range runes {
		nextC := rune(0)
		if i+1 < len(runes) {
			nextC = runes[i+1]
		}
		state = actualRenderedStringLengthStep(&metrics, &currentLine, c, nextC, state)
	}

	metrics.LineMetrics = append(metrics.LineMetrics, currentLine)
	for _, lineMetric := range metrics.LineMetrics {
		metrics.MaxLineLength = max(lineMetric.Length, metrics.MaxLineLength)
	}

	return metrics
}

func actualRenderedStringLengthStep(metrics *StringMetrics, currentLine *LineMetrics, c, nextC rune, state vtState) vtState {
	switch state {
	case vtStateFree:
		if c == '\x1b' {
			return vtStateEscape
		}
		if c == '\r' {
			currentLine.Length = 0
			if len(metrics.LineMetrics) != 0 {
				metrics.LineMetrics[len(metrics.LineMetrics)-1] = LineMetrics{}
			}
			return state
		}
		if c == '\n' {
			metrics.LineMetrics = append(metrics.LineMetrics, *currentLine)
			currentLine.Length = 0
			return state
		}
		width := printedCodePointWidth(c)
		currentLine.Length += width
		metrics.TotalLength += width
		return state
	case vtStateEscape:
		if c == ']' {
			if nextC == '0' {
				return vtStateTitle
			}
			return state
		}
		if c == '[' {
			return vtStateBracket
		}
		return state
	case vtStateBracket:
		if c >= '0' && c <= '9' {
			return vtStateBracketArgsSemi
		}
		if c == ';' {
			return state
		}
		// A final byte with no parameters, as in ^[[K.
		return vtStateFree
	case vtStateBracketArgsSemi:
		if c == ';' {
			return vtStateBracket
		}
		if c >= '0' && c <= '9' {
			return state
		}
		return vtStateFree
	case vtStateTitle:
		if c == 7 {
			return vtStateFree
		}
		return state
	default:
		return state
	}
}

func (l *lineEditor) tryUpdateOnce() {
	if l.wasInterrupted {
		l.handleInterruptEvent()
	}

	l.handleReadEvent()

	if l.alwaysRefresh {
		l.refreshNeeded = true
	}

	l.refreshDisplay()

	if l.finish {
		l.reallyQuitEventLoop()
	}
}

func (l *lineEditor) reallyQuitEventLoop() {
	l.repositionCursor(l.out, true)
	_, _ = io.WriteString(l.out, "\r\n")

	str := l.Line()
	l.buffer = l.buffer[:0]
	l.charsTouchedInTheMiddle = 0
	l.isEditing = false

	if l.initialized {
		l.restore()
	}

	l.returnedLine = str

	if l.onExit != nil {
		l.onExit()
	}

	if l.loopChan != nil {
		l.loopChan <- loopExitCodeExit
	}
}

func (l *lineEditor) handleReadEvent() {
	if l.prohibitInputProcessing {
		l.haveUnprocessedReadEvent = true
		return
	}

	l.prohibitInputProcessing = true
	defer func() {
		l.prohibitInputProcessing = false
	}()

	if len(l.incompleteData) == 0 {
		keyBuf := make([]byte, 16)
		nread, err := unix.Read(unix.Stdin, keyBuf)

		if err != nil {
			if err == unix.EINTR {
				if !l.wasInterrupted {
					if l.wasResized {
						return
					}
					l.Finish()
					return
				}
				l.handleInterruptEvent()
				return
			}

			l.logger.Error("reading from the terminal failed", "err", err)
			l.inputError = errors.Wrap(err, "read failed")
			l.Finish()
			return
		}

		// This sneaks in when the user presses ^C between read events.
		if nread == 1 && keyBuf[0] == byte(ctrl('C')) {
			l.handleInterruptEvent()
			return
		}

		if nread == 0 {
			l.inputError = ErrEmpty
			l.Finish()
			return
		}

		l.incompleteData = append(l.incompleteData, keyBuf[:nread]...)
	}

	l.processPendingInput()
}

// processPendingInput decodes the incomplete-data buffer into code points
// and runs each through the input state machine. A trailing partial UTF-8
// sequence is kept for the next read event; invalid leading bytes are
// dropped.
func (l *lineEditor) processPendingInput() {
	reverseTab := false
	ctrlHeld := false
	consumed := 0

	for consumed < len(l.incompleteData) {
		if l.finish {
			consumed = len(l.incompleteData)
			break
		}

		rest := l.incompleteData[consumed:]
		if !utf8.FullRune(rest) {
			break
		}
		codePoint, size := utf8.DecodeRune(rest)
		if codePoint == utf8.RuneError && size == 1 {
			// Invalid leading byte, skip it.
			consumed++
			continue
		}
		consumed += size

		if codePoint == 0 {
			continue
		}

		l.handleCodePoint(codePoint, &reverseTab, &ctrlHeld)
	}

	l.incompleteData = l.incompleteData[consumed:]
	if len(l.incompleteData) == 0 {
		l.incompleteData = nil
	}
}

func (l *lineEditor) handleCodePoint(codePoint rune, reverseTab, ctrlHeld *bool) {
	switch l.state {
	case inputStateGotEscape:
		if codePoint == '[' {
			l.state = inputStateGotEscapeFollowedByLeftBracket
			return
		}
		l.state = inputStateFree
		l.keyCallbackMachine.keyPressed(key{modifiers: ModifierAlt, key: uint32(codePoint)}, l)
		return

	case inputStateGotEscapeFollowedByLeftBracket:
		switch codePoint {
		case 'O': // a ctrl modifier on the following final
			*ctrlHeld = true
			return
		case 'A': // arrow up
			searchBackwards(l)
		case 'B': // arrow down
			searchForwards(l)
		case 'D': // arrow left
			if *ctrlHeld {
				cursorLeftWord(l)
			} else {
				cursorLeftCharacter(l)
			}
		case 'C': // arrow right
			if *ctrlHeld {
				cursorRightWord(l)
			} else {
				cursorRightCharacter(l)
			}
		case 'H': // home
			goHome(l)
		case 'F': // end
			goEnd(l)
		case 'Z': // shift-tab
			*reverseTab = true
			l.state = inputStateFree
			*ctrlHeld = false
			// Processed below as a (reverse) tab press.
			break
		case '3': // delete, with a terminator still to consume
			if *ctrlHeld {
				eraseAlnumWordForwards(l)
			} else {
				eraseCharacterForwards(l)
			}
			l.searchOffset = 0
			l.state = inputStateExpectTerminator
			*ctrlHeld = false
			return
		default:
			l.logger.Debug("unhandled CSI final", "final", fmt.Sprintf("%02x (%c)", codePoint, codePoint))
			l.state = inputStateFree
			*ctrlHeld = false
			return
		}
		if codePoint != 'Z' {
			l.state = inputStateFree
			*ctrlHeld = false
			return
		}

	case inputStateExpectTerminator:
		// Accept modified forms such as ^[[3;5~ by skipping parameter
		// bytes up to and including the final.
		if (codePoint >= '0' && codePoint <= '9') || codePoint == ';' {
			return
		}
		l.state = inputStateFree
		return

	case inputStateFree:
		if codePoint == 27 {
			l.state = inputStateGotEscape
			return
		}
	}

	// No sequences past this point; any key except tab retires whatever
	// suggestions are on display.
	shouldCleanupSuggestions := true
	defer func() {
		if shouldCleanupSuggestions {
			l.cleanupSuggestions()
		}
	}()

	if !*reverseTab {
		// Normally ^D; `stty eof` can move it elsewhere. Only an empty
		// buffer turns it into EOF, so the editing shortcut works
		// anywhere else.
		if codePoint == rune(l.termios.Cc[unix.VEOF]) && len(l.buffer) == 0 {
			finishEdit(l)
			return
		}

		l.keyCallbackMachine.keyPressed(key{key: uint32(codePoint)}, l)
		if !l.keyCallbackMachine.shouldProcessLastPressedKey() {
			return
		}
	}

	l.searchOffset = 0 // reset search offset on any key

	if codePoint == '\t' || *reverseTab {
		shouldCleanupSuggestions = false
		l.handleTabPress(*reverseTab)
		*reverseTab = false
		return
	}

	// Manually clean the suggestions up first, then insert the new code
	// point on top of the applied completion.
	l.rememberedSuggestionStaticData = l.rememberedSuggestionStaticData[:0]
	shouldCleanupSuggestions = false
	l.cleanupSuggestions()
	l.InsertChar(codePoint)
}

func (l *lineEditor) handleTabPress(reverseTab bool) {
	if l.tabCompletionHandler == nil {
		return
	}

	// Reverse tab counts as a regular press here.
	l.timesTabPressed++

	tokenStart := l.cursor

	if l.timesTabPressed == 1 {
		l.suggestionManager.setSuggestions(l.tabCompletionHandler(l))
		l.suggestionManager.setStartIndex(0)
		l.promptLinesAtSuggestionInitiation = l.NumLines()
		if l.suggestionManager.count() == 0 {
			// No suggestions; beep.
			_, _ = l.out.Write([]byte{'\a'})
		}
	}

	// Neutralize the pre-increment already applied when the tab
	// direction flips.
	if reverseTab && l.tabDirection != tabDirectionBackward {
		l.suggestionManager.previous()
		l.suggestionManager.previous()
		l.tabDirection = tabDirectionBackward
	}
	if !reverseTab && l.tabDirection != tabDirectionForward {
		l.suggestionManager.next()
		l.suggestionManager.next()
		l.tabDirection = tabDirectionForward
	}

	var mode completionMode
	switch l.timesTabPressed {
	case 1:
		mode = completionModeCompletePrefix
	case 2:
		mode = completionModeShowSuggestions
	default:
		mode = completionModeCycleSuggestions
	}

	l.InsertString(string(l.rememberedSuggestionStaticData))
	l.rememberedSuggestionStaticData = l.rememberedSuggestionStaticData[:0]

	completionResult := l.suggestionManager.attemptCompletion(mode, tokenStart)

	newCursor := l.cursor + completionResult.newCursorOffset
	for i := completionResult.offsetStartToRemove; i < completionResult.offsetEndToRemove; i++ {
		l.removeAtIndex(newCursor)
	}

	newCursor -= completionResult.staticOffsetFromCursor
	for i := uint32(0); i < completionResult.staticOffsetFromCursor; i++ {
		l.rememberedSuggestionStaticData = append(l.rememberedSuggestionStaticData, l.buffer[newCursor])
		l.removeAtIndex(newCursor)
	}

	l.cursor = newCursor
	l.inlineSearchCursor = l.cursor
	l.refreshNeeded = true
	l.charsTouchedInTheMiddle++

	l.InsertString(string(completionResult.insert))

	l.repositionCursor(l.out, false)

	if completionResult.hasStyleToApply {
		// Apply the style of the accepted suggestion as an anchored span,
		// evicting any stale anchored span it would straddle.
		style := completionResult.styleToApply
		style.Anchored = true
		l.readjustAnchoredStyles(l.suggestionManager.currentSuggestion().StartIndex, modificationKindForcedOverlapRemoval)
		l.Stylize(Span{l.suggestionManager.currentSuggestion().StartIndex, l.cursor, SpanModeRune}, style)
	}

	switch completionResult.newCompletionMode {
	case completionModeDontComplete:
		l.timesTabPressed = 0
		l.rememberedSuggestionStaticData = l.rememberedSuggestionStaticData[:0]
	case completionModeCompletePrefix:
		// A peek; the press counter holds.
	default:
		l.timesTabPressed++
	}

	if l.timesTabPressed > 1 && l.suggestionManager.count() > 0 {
		if l.suggestionDisplay.cleanup() {
			l.repositionCursor(l.out, false)
		}
		l.suggestionDisplay.setInitialPromptLines(l.promptLinesAtSuggestionInitiation)
		l.suggestionDisplay.display(l.suggestionManager)
		l.originRow = l.suggestionDisplay.originRow()
	}

	if l.timesTabPressed > 2 {
		if l.tabDirection == tabDirectionForward {
			l.suggestionManager.next()
		} else {
			l.suggestionManager.previous()
		}
	}

	if l.suggestionManager.count() < 2 {
		// None or just one suggestion left; commit it and carry on as if
		// it had been auto-completed.
		l.repositionCursor(l.out, true)
		l.cleanupSuggestions()
		l.rememberedSuggestionStaticData = l.rememberedSuggestionStaticData[:0]
	}
}

func (l *lineEditor) cleanupSuggestions() {
	if l.timesTabPressed != 0 {
		// Commit the style of the last shown suggestion before the
		// listing goes away.
		current := l.suggestionManager.currentSuggestion()
		style := current.Style
		style.Anchored = true
		l.readjustAnchoredStyles(current.StartIndex, modificationKindForcedOverlapRemoval)
		l.Stylize(Span{current.StartIndex, l.cursor, SpanModeRune}, style)
		if l.suggestionDisplay.cleanup() {
			l.repositionCursor(l.out, false)
			l.refreshNeeded = true
		}
		l.suggestionManager.reset()
		l.suggestionDisplay.finish()
	}
	l.timesTabPressed = 0
}

func (l *lineEditor) removeAtIndex(index uint32) {
	// Reposition anchored styles around the removal first.
	l.readjustAnchoredStyles(index, modificationKindRemoval)
	cp := l.buffer[index]
	l.buffer = append(l.buffer[:index], l.buffer[index+1:]...)
	if cp == '\n' {
		l.extraForwardLines++
	}
	l.charsTouchedInTheMiddle++
}

// search scans the history from newest to oldest for the phrase,
// skipping searchOffset matches, and loads the hit into the buffer.
func (l *lineEditor) search(phrase string, allowEmpty, fromBeginning bool) bool {
	lastMatchingOffset := -1
	found := false

	// Do not search for empty strings.
	if allowEmpty || len(phrase) > 0 {
		searchOffset := l.searchOffset
		for i := l.historyCursor; i > 0; i-- {
			entry := &l.history[i-1]
			var contains bool
			if fromBeginning {
				contains = strings.HasPrefix(entry.entry, phrase)
			} else {
				contains = strings.Contains(entry.entry, phrase)
			}

			if contains {
				lastMatchingOffset = int(i - 1)
				if searchOffset == 0 {
					found = true
					break
				}
				searchOffset--
			}
		}

		if !found {
			_, _ = l.out.Write([]byte{'\a'})
		}
	}

	if found {
		// The buffer is about to be replaced wholesale; mark everything
		// as touched.
		l.charsTouchedInTheMiddle = uint32(len(l.buffer))
		l.buffer = l.buffer[:0]
		l.cursor = 0
		l.InsertString(l.history[lastMatchingOffset].entry)
		// Always needed, as the buffer was cleared.
		l.refreshNeeded = true
	}

	return found
}

func (l *lineEditor) endSearch() {
	l.isSearching = false
	l.refreshNeeded = true
	l.searchOffset = 0
	if l.resetBufferOnSearchEnd {
		l.buffer = append(l.buffer[:0], l.preSearchBuffer...)
		l.cursor = l.preSearchCursor
	}
	l.resetBufferOnSearchEnd = true
	l.searchEditor = nil
}
