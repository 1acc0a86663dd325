package lined

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anchoredSpanStyle(t *testing.T, editor *lineEditor, start, end uint32) Style {
	t.Helper()
	ends, ok := editor.anchoredSpans.starting[start]
	require.True(t, ok, "no anchored span starts at %d", start)
	style, ok := ends[end]
	require.True(t, ok, "no anchored span [%d, %d)", start, end)
	return style
}

func countAnchoredSpans(editor *lineEditor) int {
	count := 0
	for _, ends := range editor.anchoredSpans.starting {
		count += len(ends)
	}
	return count
}

func underlined() Style {
	return Style{Underline: true, Anchored: true}
}

func TestAnchoredSpanFollowsRemovalAndInsertion(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{2, 5, SpanModeRune}, underlined())

	// Removing the first code point shifts the whole span left.
	editor.removeAtIndex(0)
	style := anchoredSpanStyle(t, editor, 1, 4)
	assert.True(t, style.Underline)

	// An insertion inside the span only moves the end.
	editor.cursor = 3
	editor.inlineSearchCursor = 3
	editor.InsertChar('x')
	anchoredSpanStyle(t, editor, 1, 5)
	assert.Equal(t, 1, countAnchoredSpans(editor))
}

func TestAnchoredSpanBeforeEditIsUntouched(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{1, 3, SpanModeRune}, underlined())
	editor.removeAtIndex(6)
	anchoredSpanStyle(t, editor, 1, 3)
}

func TestAnchoredSpanCollapsesOnSingleCodePointRemoval(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abc")

	editor.Stylize(Span{1, 2, SpanModeRune}, underlined())
	editor.removeAtIndex(1)
	assert.Zero(t, countAnchoredSpans(editor))
}

func TestAnchoredSpanClampsAtBufferStart(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abc")

	editor.Stylize(Span{0, 3, SpanModeRune}, underlined())
	editor.removeAtIndex(0)
	anchoredSpanStyle(t, editor, 0, 2)
}

func TestForcedOverlapRemovalDropsStraddlingSpans(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{2, 5, SpanModeRune}, underlined())
	editor.readjustAnchoredStyles(3, modificationKindForcedOverlapRemoval)
	assert.Zero(t, countAnchoredSpans(editor))
}

func TestDropAnchoredStylesOverlapping(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{0, 2, SpanModeRune}, underlined())
	editor.Stylize(Span{3, 5, SpanModeRune}, underlined())
	editor.Stylize(Span{6, 8, SpanModeRune}, underlined())

	editor.dropAnchoredStylesOverlapping(3, 6)

	assert.Equal(t, 2, countAnchoredSpans(editor))
	anchoredSpanStyle(t, editor, 0, 2)
	anchoredSpanStyle(t, editor, 6, 8)
}

func TestUnanchoredSpansDoNotMove(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{2, 5, SpanModeRune}, Style{Bold: true})
	editor.removeAtIndex(0)

	_, ok := editor.currentSpans.starting[2]
	assert.True(t, ok, "unanchored spans hold absolute offsets")
}

func TestStripStyles(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abcdefgh")

	editor.Stylize(Span{0, 2, SpanModeRune}, Style{Bold: true})
	editor.Stylize(Span{2, 5, SpanModeRune}, underlined())

	editor.StripStyles(false)
	assert.Empty(t, editor.currentSpans.starting)
	assert.Equal(t, 1, countAnchoredSpans(editor))

	editor.StripStyles(true)
	assert.Zero(t, countAnchoredSpans(editor))
}

func TestStylizeByteOrientedSpan(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	// 'h' is one byte, 'é' two.
	editor.InsertString("héllo")

	editor.Stylize(Span{0, 3, SpanModeByte}, Style{Bold: true})

	ends, ok := editor.currentSpans.starting[0]
	require.True(t, ok)
	_, ok = ends[2]
	assert.True(t, ok, "byte range [0,3) covers two code points")
}

func TestStylizeIgnoresEmptySpanAndStyle(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abc")

	editor.Stylize(Span{1, 1, SpanModeRune}, Style{Bold: true})
	editor.Stylize(Span{0, 2, SpanModeRune}, Style{})
	assert.Empty(t, editor.currentSpans.starting)
}

func TestSpansCopyIsIndependent(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("abc")

	editor.Stylize(Span{0, 1, SpanModeRune}, Style{Bold: true})
	snapshot := editor.currentSpans.copy()
	editor.Stylize(Span{1, 2, SpanModeRune}, Style{Italic: true})

	_, ok := snapshot.starting[1]
	assert.False(t, ok, "snapshot must not see later spans")
}

func TestByteOffsetRangeConversionClamps(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	editor.InsertString("héllo")

	// A byte offset in the middle of 'é' clamps to its boundary.
	start, end := editor.byteOffsetRangeToCodePointOffsetRange(0, 2, 0, false)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(2), end)
}
