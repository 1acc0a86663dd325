package lined

import (
	"io"
	"os"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Line read errors. Read failures that are neither of these are returned
// wrapped, with the original errno reachable through errors.Cause.
var (
	ErrEof   = errors.New("end of file")
	ErrEmpty = errors.New("no more data")
)

// OperationMode selects how much of the terminal the editor is allowed to
// drive. Unset picks a mode from the environment on first use.
type OperationMode int

const (
	OperationModeUnset OperationMode = iota
	OperationModeFull
	OperationModeNoEscapeSequences
	OperationModeNonInteractive
)

// RefreshBehaviour controls whether every keystroke forces a full redraw.
type RefreshBehaviour int

const (
	RefreshBehaviourLazy RefreshBehaviour = iota
	RefreshBehaviourEager
)

const defaultHistoryCapacity = 1024

type Configuration struct {
	OperationMode    OperationMode
	RefreshBehaviour RefreshBehaviour
	HistoryCapacity  uint32

	// EnableSignalHandling installs SIGWINCH/SIGINT handlers for the
	// lifetime of GetLine. The nested search editor runs with this off.
	EnableSignalHandling bool
}

func DefaultConfiguration() Configuration {
	return Configuration{
		OperationMode:        OperationModeUnset,
		RefreshBehaviour:     RefreshBehaviourLazy,
		HistoryCapacity:      defaultHistoryCapacity,
		EnableSignalHandling: true,
	}
}

// resolve fills in OperationMode from the environment: not a tty means
// NonInteractive, an xterm-like TERM means Full, anything else gets plain
// prompts without escape sequences.
func (c *Configuration) resolve() {
	if c.OperationMode != OperationModeUnset {
		return
	}
	istty := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
	if !istty {
		c.OperationMode = OperationModeNonInteractive
		return
	}
	if strings.HasPrefix(os.Getenv("TERM"), "xterm") {
		c.OperationMode = OperationModeFull
	} else {
		c.OperationMode = OperationModeNoEscapeSequences
	}
}

func NewEditor(configuration Configuration) Editor {
	if configuration.HistoryCapacity == 0 {
		configuration.HistoryCapacity = defaultHistoryCapacity
	}
	editor := &lineEditor{
		configuration:      configuration,
		out:                os.Stderr,
		logger:             defaultLogger(),
		suggestionDisplay:  newSuggestionDisplay(os.Stderr),
		suggestionManager:  newSuggestionManager(),
		keyCallbackMachine: newKeyCallbackMachine(),
		currentSpans:       newSpans(),
		anchoredSpans:      newSpans(),
		state:              inputStateFree,
		termios:            fallbackTermios(),

		resetBufferOnSearchEnd: true,
	}
	editor.alwaysRefresh = configuration.RefreshBehaviour == RefreshBehaviourEager
	editor.getTerminalSize()
	editor.suggestionDisplay.setVTSize(editor.numLines, editor.numColumns)
	editor.setDefaultKeybinds()
	return editor
}

func defaultLogger() log15.Logger {
	logger := log15.New("module", "lined")
	logger.SetHandler(log15.DiscardHandler())
	return logger
}

// Editor reads one logical line at a time from the terminal.
type Editor interface {
	Initialize()
	GetLine(prompt string) (string, error)

	AddToHistory(line string)
	LoadHistory(path string) error
	SaveHistory(path string) error

	RegisterKeybinding(keys []key, binding KeybindingCallback)
	RegisterCharInputCallback(ch rune, callback CharInputCallback)
	ActualRenderedStringMetrics(line string) StringMetrics

	SetTabCompletionHandler(handler TabCompletionHandler)
	SetInterruptHandler(handler func())
	SetRefreshHandler(handler func(editor Editor))
	SetExitHandler(handler func())
	SetLogger(logger log15.Logger)

	Line() string
	LineUpTo(n uint32) string
	SetLine(line string)

	SetPrompt(prompt string)
	NumLines() uint32

	InsertString(str string)
	InsertChar(ch rune)

	Stylize(span Span, style Style)
	StripStyles(stripAnchored bool)

	// Suggest is called from within the tab-completion handler to declare
	// which part of the current token is invariant and which part is
	// static (kept in the buffer, but not part of the completion text).
	Suggest(invariantOffset, staticOffset uint32, mode SpanMode)
	TransformSuggestionOffsets(invariant, static uint32, mode SpanMode) (uint32, uint32)

	TerminalSize() Winsize

	Finish()
	Reset()
	IsEditing() bool
}

const (
	ModifierShift = 1
	ModifierAlt   = 2
	ModifierCtrl  = 4
)

type key struct {
	modifiers int
	key       uint32
}

func Key(code rune) key    { return key{key: uint32(code)} }
func AltKey(code rune) key { return key{modifiers: ModifierAlt, key: uint32(code)} }
func CtrlKey(code rune) key {
	return key{key: ctrl(code)}
}

// KeybindingCallback returns true when the default processing for the
// final key of the sequence should still run.
type KeybindingCallback func(keys []key, editor Editor) bool

// CharInputCallback is the single-code-point form of KeybindingCallback.
type CharInputCallback func(editor Editor) bool

type TabCompletionHandler func(editor Editor) []Completion

// Completion is one candidate produced by the tab-completion handler.
type Completion struct {
	Text           string
	TrailingTrivia string
	DisplayTrivia  string
	Style          Style

	// StartIndex is filled in by the suggestion manager: the code point
	// offset the completion text begins at once applied.
	StartIndex      uint32
	StaticOffset    uint32
	InvariantOffset uint32

	textView           []rune
	trailingTriviaView []rune
	displayTriviaView  []rune
}

type Winsize struct {
	Row uint16
	Col uint16
}

type SpanMode int

const (
	SpanModeByte SpanMode = iota
	SpanModeRune
)

// Span is a half-open range over the buffer. Byte-oriented spans are
// converted to code point offsets on entry and clamped to boundaries.
type Span struct {
	Start uint32
	End   uint32
	Mode  SpanMode
}

type XtermColor int

const (
	XtermColorBlack XtermColor = iota
	XtermColorRed
	XtermColorGreen
	XtermColorYellow
	XtermColorBlue
	XtermColorMagenta
	XtermColorCyan
	XtermColorWhite
	XtermColorUnchanged
	XtermColorDefault
)

type Color struct {
	R uint8
	G uint8
	B uint8

	Xterm8  XtermColor
	IsXterm bool

	HasValue bool
}

func MakeXtermColor(color XtermColor) Color {
	return Color{IsXterm: true, HasValue: true, Xterm8: color}
}

func MakeRGBColor(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b, HasValue: true}
}

func (c *Color) IsDefault() bool {
	return !c.HasValue || (c.IsXterm && c.Xterm8 == XtermColorDefault)
}

type Hyperlink string

// Style is a set of graphic rendition attributes applied to a span.
// Anchored styles follow the text they cover across edits.
type Style struct {
	ForegroundColor Color
	BackgroundColor Color
	Bold            bool
	Italic          bool
	Underline       bool
	Hyperlink       Hyperlink
	Anchored        bool
}

var StyleReset = Style{
	ForegroundColor: Color{Xterm8: XtermColorDefault, IsXterm: true, HasValue: true},
	BackgroundColor: Color{Xterm8: XtermColorDefault, IsXterm: true, HasValue: true},
}

func (s *Style) IsEmpty() bool {
	return !s.ForegroundColor.HasValue &&
		!s.BackgroundColor.HasValue &&
		!s.Bold &&
		!s.Italic &&
		!s.Underline &&
		len(s.Hyperlink) == 0
}

// UnifyWith merges another style into this one. Rendition flags always
// accumulate; colors and hyperlinks only give way when unset here, unless
// preferOther forces the other side to win.
func (s *Style) UnifyWith(other Style, preferOther bool) {
	if preferOther || s.BackgroundColor.IsDefault() {
		s.BackgroundColor = other.BackgroundColor
	}
	if preferOther || s.ForegroundColor.IsDefault() {
		s.ForegroundColor = other.ForegroundColor
	}

	s.Bold = s.Bold || other.Bold
	s.Italic = s.Italic || other.Italic
	s.Underline = s.Underline || other.Underline

	if preferOther || len(s.Hyperlink) == 0 {
		s.Hyperlink = other.Hyperlink
	}
}

type LineMetrics struct {
	Length uint32
}

// StringMetrics is the visual extent of a rendered string: the cell
// length of each on-screen line, ignoring escape sequences.
type StringMetrics struct {
	LineMetrics   []LineMetrics
	TotalLength   uint32
	MaxLineLength uint32
}

// LinesWithAddition counts the terminal rows this string occupies when
// the other string is appended after it, wrapped at columnWidth.
func (m *StringMetrics) LinesWithAddition(offset *StringMetrics, columnWidth uint32) uint32 {
	lines := uint32(0)
	for _, line := range m.LineMetrics[:len(m.LineMetrics)-1] {
		lines += (line.Length + columnWidth) / columnWidth
	}

	last := m.LineMetrics[len(m.LineMetrics)-1].Length
	last += offset.LineMetrics[0].Length
	lines += (last + columnWidth) / columnWidth

	for _, line := range offset.LineMetrics[1:] {
		lines += (line.Length + columnWidth) / columnWidth
	}

	return lines
}

// OffsetWithAddition is the column the cursor lands on after this string
// plus the other one, wrapped at columnWidth.
func (m *StringMetrics) OffsetWithAddition(offset *StringMetrics, columnWidth uint32) uint32 {
	if len(offset.LineMetrics) > 1 {
		return offset.LineMetrics[len(offset.LineMetrics)-1].Length % columnWidth
	}

	last := m.LineMetrics[len(m.LineMetrics)-1].Length
	last += offset.LineMetrics[0].Length
	return last % columnWidth
}

func (m *StringMetrics) Reset() {
	m.LineMetrics = m.LineMetrics[:0]
	m.TotalLength = 0
	m.MaxLineLength = 0
	m.LineMetrics = append(m.LineMetrics, LineMetrics{})
}

type historyEntry struct {
	entry     string
	timestamp int64
}

type searchOffsetState int

const (
	searchOffsetStateUnbiased searchOffsetState = iota
	searchOffsetStateForwards
	searchOffsetStateBackwards
)

type tabDirection int

const (
	tabDirectionForward tabDirection = iota
	tabDirectionBackward
)

type inputState int

const (
	inputStateFree inputState = iota
	inputStateGotEscape
	inputStateGotEscapeFollowedByLeftBracket
	inputStateExpectTerminator
)

type iterationDecision int

const (
	iterationDecisionContinue iterationDecision = iota
	iterationDecisionBreak
)

type completionMode int

const (
	completionModeDontComplete completionMode = iota
	completionModeCompletePrefix
	completionModeShowSuggestions
	completionModeCycleSuggestions
)

type completionAttemptResult struct {
	newCompletionMode      completionMode
	newCursorOffset        uint32
	offsetStartToRemove    uint32
	offsetEndToRemove      uint32
	staticOffsetFromCursor uint32
	insert                 []rune
	styleToApply           Style
	hasStyleToApply        bool
}

type keyCallbackMachine interface {
	registerInputCallback([]key, KeybindingCallback)
	keyPressed(key, Editor)
	interrupted(Editor)
	shouldProcessLastPressedKey() bool
}

type suggestionDisplay interface {
	display(suggestionManager)
	redisplay(manager suggestionManager, lines, columns uint32)
	cleanup() bool
	finish()
	setInitialPromptLines(uint32)
	setVTSize(lines, columns uint32)
	setOrigin(row, column uint32)
	originRow() uint32
	setOutput(w io.Writer)
}

type suggestionManager interface {
	setSuggestions([]Completion)
	setSuggestionVariants(staticOffset, invariantOffset uint32)
	setCurrentSuggestionInitiationIndex(uint32)
	count() uint32
	displayLength() uint32
	startIndex() uint32
	nextIndex() uint32
	setStartIndex(uint32)

	forEachSuggestion(func(*Completion, uint32) iterationDecision) uint32

	attemptCompletion(mode completionMode, initiationStartIndex uint32) completionAttemptResult

	next()
	previous()

	suggest() *Completion
	currentSuggestion() *Completion
	isCurrentSuggestionComplete() bool

	reset()
}
