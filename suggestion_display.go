package lined

import (
	"fmt"
	"io"
	"sort"

	"github.com/mattn/go-runewidth"
)

func newSuggestionDisplay(out io.Writer) suggestionDisplay {
	return &suggestionDisplayImpl{out: out}
}

type pageRange struct {
	start uint32
	end   uint32
}

// suggestionDisplayImpl renders the candidate list below the editing
// line, in columns sized to the widest candidate, paginated so the prompt
// never scrolls out of view.
type suggestionDisplayImpl struct {
	out                  io.Writer
	originRowValue       uint32
	originColumnValue    uint32
	isShowingSuggestions bool

	linesUsedForLastSuggestion        uint32
	numLines                          uint32
	numColumns                        uint32
	promptLinesAtSuggestionInitiation uint32
	pages                             []pageRange
}

func (s *suggestionDisplayImpl) setOutput(w io.Writer) {
	s.out = w
}

func suggestionCellWidth(completion *Completion) uint32 {
	return uint32(runewidth.StringWidth(completion.Text) + runewidth.StringWidth(completion.DisplayTrivia))
}

func (s *suggestionDisplayImpl) display(manager suggestionManager) {
	s.isShowingSuggestions = true

	longestSuggestionWidth := uint32(0)
	longestSuggestionByteLength := uint32(0)
	longestSuggestionByteLengthWithoutTrivia := uint32(0)

	manager.setStartIndex(0)
	manager.forEachSuggestion(func(completion *Completion, _ uint32) iterationDecision {
		longestSuggestionWidth = max(longestSuggestionWidth, suggestionCellWidth(completion))
		longestSuggestionByteLength = max(longestSuggestionByteLength, uint32(len(completion.Text)+len(completion.DisplayTrivia)))
		longestSuggestionByteLengthWithoutTrivia = max(longestSuggestionByteLengthWithoutTrivia, uint32(len(completion.Text)))
		return iterationDecisionContinue
	})

	numPrinted := uint32(0)
	linesUsed := uint32(1)

	vtSaveCursor(s.out)
	vtClearLines(0, s.linesUsedForLastSuggestion, s.out)
	vtRestoreCursor(s.out)

	spansEntireLine := false
	var lines []LineMetrics
	for i := uint32(0); i+1 < s.promptLinesAtSuggestionInitiation; i++ {
		lines = append(lines, LineMetrics{})
	}
	lines = append(lines, LineMetrics{Length: longestSuggestionWidth})
	metrics := StringMetrics{LineMetrics: lines}
	maxLineCount := metrics.LinesWithAddition(&StringMetrics{LineMetrics: []LineMetrics{{}}}, s.numColumns)

	if longestSuggestionWidth >= s.numColumns-2 {
		spansEntireLine = true
		// Make enough room for the widest entry to fit under the prompt.
		for i := maxLineCount - s.promptLinesAtSuggestionInitiation; i < maxLineCount; i++ {
			_, _ = io.WriteString(s.out, "\n")
		}
		linesUsed += maxLineCount
		longestSuggestionWidth = 0
	}

	vtMoveAbsolute(maxLineCount+s.originRowValue, 1, s.out)

	if len(s.pages) == 0 {
		pagePrinted := uint32(0)
		pageLinesUsed := uint32(1)
		pageStart := uint32(0)
		manager.setStartIndex(0)
		manager.forEachSuggestion(func(suggestion *Completion, index uint32) iterationDecision {
			nextColumn := pagePrinted + suggestionCellWidth(suggestion) + longestSuggestionWidth + 2
			if nextColumn > s.numColumns {
				wrapped := (suggestionCellWidth(suggestion) + s.numColumns - 1) / s.numColumns
				pageLinesUsed += wrapped
				pagePrinted = 0
			}

			if pageLinesUsed+s.promptLinesAtSuggestionInitiation >= s.numLines {
				s.pages = append(s.pages, pageRange{pageStart, index})
				pageStart = index
				pageLinesUsed = 1
				pagePrinted = 0
			}

			if spansEntireLine {
				pagePrinted += s.numColumns
			} else {
				pagePrinted += longestSuggestionWidth + 2
			}
			return iterationDecisionContinue
		})
		s.pages = append(s.pages, pageRange{pageStart, manager.count()})
	}

	pageIndex := s.fitToPageBoundary(manager.nextIndex())

	manager.setStartIndex(s.pages[pageIndex].start)
	manager.forEachSuggestion(func(suggestion *Completion, index uint32) iterationDecision {
		nextColumn := numPrinted + suggestionCellWidth(suggestion) + longestSuggestionWidth + 2

		if nextColumn > s.numColumns {
			wrapped := (suggestionCellWidth(suggestion) + s.numColumns - 1) / s.numColumns
			linesUsed += wrapped
			_, _ = io.WriteString(s.out, "\n")
			numPrinted = 0
		}

		// Show just enough suggestions to fill up the screen without
		// pushing the prompt out of view.
		if linesUsed+s.promptLinesAtSuggestionInitiation >= s.numLines {
			return iterationDecisionBreak
		}

		// Only highlight the selection if something was actually added to
		// the buffer.
		selected := manager.isCurrentSuggestionComplete() && index == manager.nextIndex()
		if selected {
			vtApplyStyle(Style{ForegroundColor: MakeXtermColor(XtermColorBlue)}, s.out, true)
		}

		if spansEntireLine {
			numPrinted += s.numColumns
			_, _ = io.WriteString(s.out, suggestion.Text)
			_, _ = io.WriteString(s.out, suggestion.DisplayTrivia)
		} else {
			field := fmt.Sprintf("%-*s  %s", int(longestSuggestionByteLengthWithoutTrivia), suggestion.Text, suggestion.DisplayTrivia)
			_, _ = fmt.Fprintf(s.out, "%-*s", int(longestSuggestionByteLength)+2, field)
			numPrinted += longestSuggestionWidth + 2
		}

		if selected {
			vtApplyStyle(StyleReset, s.out, true)
		}

		return iterationDecisionContinue
	})

	s.linesUsedForLastSuggestion = linesUsed

	// The last prompt line shares a row with the first buffer line.
	linesUsed += s.promptLinesAtSuggestionInitiation - 1

	if s.originRowValue+linesUsed >= s.numLines {
		s.originRowValue = s.numLines - linesUsed
	}

	if len(s.pages) > 1 {
		leftArrow := '<'
		if pageIndex == 0 {
			leftArrow = ' '
		}
		rightArrow := '>'
		if pageIndex == uint32(len(s.pages)-1) {
			rightArrow = ' '
		}

		indicator := fmt.Sprintf("%c page %d of %d %c", leftArrow, pageIndex+1, len(s.pages), rightArrow)

		if uint32(len(indicator)) > s.numColumns-1 {
			// It would wrap onto the next line; skip the indicator.
			return
		}

		vtMoveAbsolute(s.originRowValue+linesUsed, s.numColumns-uint32(len(indicator))-1, s.out)
		vtApplyStyle(Style{BackgroundColor: MakeXtermColor(XtermColorGreen)}, s.out, true)
		_, _ = io.WriteString(s.out, indicator)
		vtApplyStyle(StyleReset, s.out, true)
	}
}

func (s *suggestionDisplayImpl) redisplay(manager suggestionManager, lines, columns uint32) {
	if s.isShowingSuggestions {
		s.cleanup()
		s.setVTSize(lines, columns)
		s.display(manager)
	} else {
		s.setVTSize(lines, columns)
	}
}

func (s *suggestionDisplayImpl) cleanup() bool {
	s.isShowingSuggestions = false
	if s.linesUsedForLastSuggestion != 0 {
		vtClearLines(0, s.linesUsedForLastSuggestion, s.out)
		s.linesUsedForLastSuggestion = 0
		return true
	}

	return false
}

func (s *suggestionDisplayImpl) finish() {
	s.pages = nil
}

func (s *suggestionDisplayImpl) setInitialPromptLines(promptLines uint32) {
	s.promptLinesAtSuggestionInitiation = promptLines
}

func (s *suggestionDisplayImpl) setVTSize(lines, columns uint32) {
	s.numLines = lines
	s.numColumns = columns
	s.pages = nil
}

func (s *suggestionDisplayImpl) setOrigin(row, column uint32) {
	s.originRowValue = row
	s.originColumnValue = column
}

func (s *suggestionDisplayImpl) originRow() uint32 {
	return s.originRowValue
}

func (s *suggestionDisplayImpl) fitToPageBoundary(selectionIndex uint32) uint32 {
	index := sort.Search(len(s.pages), func(i int) bool {
		return s.pages[i].start >= selectionIndex
	})

	if index == len(s.pages) {
		return uint32(len(s.pages) - 1)
	}
	return uint32(index)
}
