package lined

import "unicode/utf8"

// spans keeps styled ranges keyed both by start and by end offset, so the
// renderer can look up the spans opening or closing at a given code point
// without scanning.
type spans struct {
	starting map[uint32]map[uint32]Style
	ending   map[uint32]map[uint32]Style
}

func newSpans() spans {
	return spans{
		starting: map[uint32]map[uint32]Style{},
		ending:   map[uint32]map[uint32]Style{},
	}
}

// copy deep-copies both maps, so a drawn snapshot is not mutated through
// later Stylize calls.
func (s *spans) copy() spans {
	duplicate := newSpans()
	for start, ends := range s.starting {
		m := make(map[uint32]Style, len(ends))
		for end, style := range ends {
			m[end] = style
		}
		duplicate.starting[start] = m
	}
	for end, starts := range s.ending {
		m := make(map[uint32]Style, len(starts))
		for start, style := range starts {
			m[start] = style
		}
		duplicate.ending[end] = m
	}
	return duplicate
}

func (s *spans) clear() {
	s.starting = map[uint32]map[uint32]Style{}
	s.ending = map[uint32]map[uint32]Style{}
}

// set records the span; reports whether either map changed shape.
func (s *spans) set(start, end uint32, style Style) bool {
	changed := false

	startingMap, ok := s.starting[start]
	if !ok {
		startingMap = map[uint32]Style{}
		s.starting[start] = startingMap
	}
	if _, ok = startingMap[end]; !ok {
		changed = true
	}
	startingMap[end] = style

	endingMap, ok := s.ending[end]
	if !ok {
		endingMap = map[uint32]Style{}
		s.ending[end] = endingMap
	}
	if _, ok = endingMap[start]; !ok {
		changed = true
	}
	endingMap[start] = style

	return changed
}

// containsUpToOffset reports whether every span of other at or before the
// offset is present here with the same style, allowing for a same-style
// span that merely grew past the offset.
func (s *spans) containsUpToOffset(other *spans, offset uint32) bool {
	for start, otherEnds := range other.starting {
		if start > offset+1 {
			continue
		}

		ourEnds, ok := s.starting[start]
		if !ok {
			return false
		}

		for end, ourStyle := range ourEnds {
			otherStyle, ok := otherEnds[end]
			if ok {
				if otherStyle != ourStyle {
					return false
				}
				continue
			}
			// Might be the same span, extended beyond the offset.
			found := false
			for otherEnd, candidate := range otherEnds {
				if otherEnd > end && otherEnd > offset && candidate == ourStyle {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

type modificationKind int

const (
	modificationKindInsertion modificationKind = iota
	modificationKindRemoval
	modificationKindForcedOverlapRemoval
)

type anchorRelocation struct {
	start uint32
	end   uint32
	style Style
}

// appendRelocation clamps a shifted span to the buffer start and drops it
// once it collapses; anchored spans must stay well-formed after any edit.
func appendRelocation(relocations []anchorRelocation, start, end int64, style Style) []anchorRelocation {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return relocations
	}
	return append(relocations, anchorRelocation{start: uint32(start), end: uint32(end), style: style})
}

// readjustAnchoredStyles relocates the anchored spans around an edit at
// hintIndex. Insertions shift anything at or after the hint right by one;
// removals shift left, dropping a span whose single code point was
// removed. ForcedOverlapRemoval drops every span straddling the hint, used
// when a completion replaces the token a stale suggestion span covered.
func (l *lineEditor) readjustAnchoredStyles(hintIndex uint32, modification modificationKind) {
	var relocations []anchorRelocation
	indexShift := int64(1)
	if modification != modificationKindInsertion {
		indexShift = -1
	}
	forcedRemoval := modification == modificationKindForcedOverlapRemoval

	for start, ends := range l.anchoredSpans.starting {
		for end, style := range ends {
			if forcedRemoval && start <= hintIndex && end > hintIndex {
				// Overlapping spans are dropped outright.
				continue
			}
			if start >= hintIndex {
				if start == hintIndex && end == hintIndex+1 && modification == modificationKindRemoval {
					// All the text under the span was wiped.
					continue
				}
				relocations = appendRelocation(relocations, int64(start)+indexShift, int64(end)+indexShift, style)
				continue
			}
			if end > hintIndex {
				relocations = appendRelocation(relocations, int64(start), int64(end)+indexShift, style)
				continue
			}
			relocations = append(relocations, anchorRelocation{start: start, end: end, style: style})
		}
	}

	l.anchoredSpans.clear()
	for _, relocation := range relocations {
		if relocation.start >= relocation.end {
			continue
		}
		style := relocation.style
		style.Anchored = true
		l.Stylize(Span{relocation.start, relocation.end, SpanModeRune}, style)
	}
}

// dropAnchoredStylesOverlapping removes every anchored span intersecting
// [start, end) and leaves the rest untouched.
func (l *lineEditor) dropAnchoredStylesOverlapping(start, end uint32) {
	var kept []anchorRelocation
	for s, ends := range l.anchoredSpans.starting {
		for e, style := range ends {
			if s < end && e > start {
				l.refreshNeeded = true
				continue
			}
			kept = append(kept, anchorRelocation{start: s, end: e, style: style})
		}
	}
	l.anchoredSpans.clear()
	for _, span := range kept {
		style := span.style
		style.Anchored = true
		l.Stylize(Span{span.start, span.end, SpanModeRune}, style)
	}
}

// Stylize records a styled span over the buffer. Byte-oriented spans are
// converted to code point offsets first; empty spans and empty styles are
// ignored.
func (l *lineEditor) Stylize(span Span, style Style) {
	if style.IsEmpty() {
		return
	}

	start := span.Start
	end := span.End

	if start == end {
		return
	}

	if span.Mode == SpanModeByte {
		start, end = l.byteOffsetRangeToCodePointOffsetRange(start, end, 0, false)
	}

	target := &l.currentSpans
	if style.Anchored {
		target = &l.anchoredSpans
	}

	if target.set(start, end, style) {
		l.refreshNeeded = true
	}
}

// StripStyles clears the unanchored spans; with stripAnchored, the
// anchored ones as well.
func (l *lineEditor) StripStyles(stripAnchored bool) {
	l.currentSpans.clear()
	if stripAnchored {
		l.anchoredSpans.clear()
	}
	l.refreshNeeded = true
}

// byteOffsetRangeToCodePointOffsetRange converts a byte range to a code
// point range by walking the buffer from scanCodePointOffset and summing
// per-code-point UTF-8 lengths. Offsets inside a code point clamp to its
// boundary; with reverse, the walk runs towards the buffer start.
func (l *lineEditor) byteOffsetRangeToCodePointOffsetRange(startByteOffset, endByteOffset, scanCodePointOffset uint32, reverse bool) (start, end uint32) {
	byteOffset := uint32(0)
	codePointOffset := scanCodePointOffset
	if reverse {
		codePointOffset++
	}

	for {
		if !reverse {
			if codePointOffset >= uint32(len(l.buffer)) {
				break
			}
		} else {
			if codePointOffset == 0 {
				break
			}
		}

		if byteOffset >= endByteOffset {
			break
		}

		if byteOffset < startByteOffset {
			start++
		}

		if byteOffset < endByteOffset {
			end++
		}

		v := codePointOffset
		if reverse {
			codePointOffset--
			v--
		} else {
			codePointOffset++
		}
		byteOffset += uint32(utf8.RuneLen(l.buffer[v]))
	}

	return
}
