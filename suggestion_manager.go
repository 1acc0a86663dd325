package lined

func newSuggestionManager() suggestionManager {
	return &suggestionManagerImpl{}
}

type suggestionManagerImpl struct {
	suggestions                         []Completion
	lastShownSuggestion                 Completion
	lastShownSuggestionDisplayLength    uint32
	lastShownSuggestionWasComplete      bool
	nextSuggestionIndex                 uint32
	largestCommonSuggestionPrefixLength uint32
	lastDisplayedSuggestionIndex        uint32
	lastSelectedSuggestionIndex         uint32

	// Offsets declared through Editor.Suggest; when set they override the
	// per-completion values the handler filled in.
	hasSuggestionVariants  bool
	variantStaticOffset    uint32
	variantInvariantOffset uint32
}

func (s *suggestionManagerImpl) setSuggestions(suggestions []Completion) {
	s.suggestions = suggestions

	for i := range s.suggestions {
		suggestion := &s.suggestions[i]
		suggestion.textView = []rune(suggestion.Text)
		suggestion.trailingTriviaView = []rune(suggestion.TrailingTrivia)
		suggestion.displayTriviaView = []rune(suggestion.DisplayTrivia)
		if s.hasSuggestionVariants {
			suggestion.StaticOffset = s.variantStaticOffset
			suggestion.InvariantOffset = s.variantInvariantOffset
		}
	}

	s.largestCommonSuggestionPrefixLength = commonSuggestionPrefixLength(s.suggestions)
}

func commonSuggestionPrefixLength(suggestions []Completion) uint32 {
	if len(suggestions) == 0 {
		return 0
	}
	if len(suggestions) == 1 {
		return uint32(len(suggestions[0].textView))
	}

	prefix := uint32(0)
	for {
		if uint32(len(suggestions[0].textView)) <= prefix {
			return prefix
		}
		candidate := suggestions[0].textView[prefix]
		for _, suggestion := range suggestions {
			if uint32(len(suggestion.textView)) <= prefix || suggestion.textView[prefix] != candidate {
				return prefix
			}
		}
		prefix++
	}
}

func (s *suggestionManagerImpl) setSuggestionVariants(staticOffset, invariantOffset uint32) {
	s.hasSuggestionVariants = true
	s.variantStaticOffset = staticOffset
	s.variantInvariantOffset = invariantOffset
	for i := range s.suggestions {
		s.suggestions[i].StaticOffset = staticOffset
		s.suggestions[i].InvariantOffset = invariantOffset
	}
}

func (s *suggestionManagerImpl) setCurrentSuggestionInitiationIndex(index uint32) {
	suggestion := &s.suggestions[s.nextSuggestionIndex]
	if s.lastShownSuggestionDisplayLength > 0 {
		s.lastShownSuggestion.StartIndex = index - suggestion.StaticOffset - s.lastShownSuggestionDisplayLength
	} else {
		s.lastShownSuggestion.StartIndex = index - suggestion.StaticOffset - suggestion.InvariantOffset
	}

	s.lastShownSuggestionDisplayLength = uint32(len(s.lastShownSuggestion.textView))
	s.lastShownSuggestionWasComplete = false
}

func (s *suggestionManagerImpl) count() uint32 {
	return uint32(len(s.suggestions))
}

func (s *suggestionManagerImpl) displayLength() uint32 {
	return s.lastShownSuggestionDisplayLength
}

func (s *suggestionManagerImpl) startIndex() uint32 {
	return s.lastDisplayedSuggestionIndex
}

func (s *suggestionManagerImpl) nextIndex() uint32 {
	return s.nextSuggestionIndex
}

func (s *suggestionManagerImpl) setStartIndex(u uint32) {
	s.lastDisplayedSuggestionIndex = u
}

func (s *suggestionManagerImpl) forEachSuggestion(f func(*Completion, uint32) iterationDecision) uint32 {
	startIndex := uint32(0)
	for i := range s.suggestions {
		index := startIndex
		startIndex++
		if index < s.lastDisplayedSuggestionIndex {
			continue
		}
		if f(&s.suggestions[i], index) == iterationDecisionBreak {
			break
		}
	}
	return startIndex
}

func (s *suggestionManagerImpl) attemptCompletion(mode completionMode, initiationStartIndex uint32) completionAttemptResult {
	result := completionAttemptResult{
		newCompletionMode: mode,
	}

	if s.nextSuggestionIndex >= uint32(len(s.suggestions)) {
		s.nextSuggestionIndex = 0
		return result
	}

	nextSuggestion := &s.suggestions[s.nextSuggestionIndex]
	canComplete := nextSuggestion.InvariantOffset <= s.largestCommonSuggestionPrefixLength

	switch mode {
	case completionModeCompletePrefix:
		if !canComplete {
			// The handler promised more invariant text than the candidates
			// share; nothing can be inserted, go straight to the listing.
			s.lastShownSuggestionDisplayLength = 0
			s.lastShownSuggestionWasComplete = false
			s.lastShownSuggestion = Completion{}
			result.newCompletionMode = completionModeShowSuggestions
			return result
		}

		suggestion := s.suggest()
		s.setCurrentSuggestionInitiationIndex(initiationStartIndex)

		result.offsetStartToRemove = nextSuggestion.InvariantOffset
		result.offsetEndToRemove = 0
		result.staticOffsetFromCursor = nextSuggestion.StaticOffset
		result.insert = append(result.insert, suggestion.textView[suggestion.InvariantOffset:s.largestCommonSuggestionPrefixLength]...)
		s.lastShownSuggestionDisplayLength = s.largestCommonSuggestionPrefixLength

		if len(s.suggestions) == 1 {
			// A lone suggestion is committed outright, trivia and all.
			result.newCompletionMode = completionModeDontComplete
			result.insert = append(result.insert, suggestion.trailingTriviaView...)
			s.lastShownSuggestionDisplayLength = 0
			result.styleToApply = suggestion.Style
			result.hasStyleToApply = !suggestion.Style.IsEmpty()
			s.lastShownSuggestionWasComplete = true
			return result
		}

		// The first tab is only a peek; the index stays put and the press
		// counter holds so that the next tab brings up the listing.
		s.lastShownSuggestionWasComplete = false
		return result

	case completionModeShowSuggestions:
		// Rendering the list is the editor's business; the buffer and the
		// selection both stay as the prefix completion left them.
		result.newCompletionMode = completionModeCompletePrefix
		return result

	default:
		shownLength := int64(s.lastShownSuggestionDisplayLength)
		var actualOffset int64
		if s.lastShownSuggestionDisplayLength != 0 {
			actualOffset = -int64(s.lastShownSuggestionDisplayLength) + int64(nextSuggestion.InvariantOffset)
		}

		suggestion := s.suggest()
		s.setCurrentSuggestionInitiationIndex(initiationStartIndex)

		result.offsetStartToRemove = nextSuggestion.InvariantOffset
		result.offsetEndToRemove = uint32(shownLength)
		result.newCursorOffset = uint32(actualOffset)
		result.staticOffsetFromCursor = nextSuggestion.StaticOffset
		result.insert = append(result.insert, suggestion.textView[suggestion.InvariantOffset:]...)
		result.insert = append(result.insert, suggestion.trailingTriviaView...)
		s.lastShownSuggestionDisplayLength += uint32(len(suggestion.trailingTriviaView))
		return result
	}
}

func (s *suggestionManagerImpl) next() {
	if len(s.suggestions) > 0 {
		s.nextSuggestionIndex = (s.nextSuggestionIndex + 1) % uint32(len(s.suggestions))
	} else {
		s.nextSuggestionIndex = 0
	}
}

func (s *suggestionManagerImpl) previous() {
	if s.nextSuggestionIndex == 0 {
		s.nextSuggestionIndex = uint32(len(s.suggestions))
	}
	s.nextSuggestionIndex--
}

func (s *suggestionManagerImpl) suggest() *Completion {
	s.lastShownSuggestion = s.suggestions[s.nextSuggestionIndex]
	s.lastSelectedSuggestionIndex = s.nextSuggestionIndex
	return &s.lastShownSuggestion
}

func (s *suggestionManagerImpl) currentSuggestion() *Completion {
	return &s.lastShownSuggestion
}

func (s *suggestionManagerImpl) isCurrentSuggestionComplete() bool {
	return s.lastShownSuggestionWasComplete
}

func (s *suggestionManagerImpl) reset() {
	s.lastShownSuggestion = Completion{}
	s.lastShownSuggestionDisplayLength = 0
	s.suggestions = nil
	s.lastDisplayedSuggestionIndex = 0
	s.nextSuggestionIndex = 0
	s.hasSuggestionVariants = false
	s.variantStaticOffset = 0
	s.variantInvariantOffset = 0
}
