package lined

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachinePassesUnboundKeysThrough(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	machine.keyPressed(Key('q'), editor)
	assert.True(t, machine.shouldProcessLastPressedKey())
}

func TestMachineFiresSingleKeyBinding(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	fired := 0
	machine.registerInputCallback([]key{CtrlKey('G')}, func(_ []key, _ Editor) bool {
		fired++
		return false
	})

	machine.keyPressed(CtrlKey('G'), editor)
	assert.Equal(t, 1, fired)
	assert.False(t, machine.shouldProcessLastPressedKey())
}

func TestMachineReplacesBindingForSameSequence(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	firstFired := false
	secondFired := false
	machine.registerInputCallback([]key{Key('x')}, func(_ []key, _ Editor) bool {
		firstFired = true
		return false
	})
	machine.registerInputCallback([]key{Key('x')}, func(_ []key, _ Editor) bool {
		secondFired = true
		return false
	})

	machine.keyPressed(Key('x'), editor)
	assert.False(t, firstFired)
	assert.True(t, secondFired)
}

func TestMachineMatchesKeySequence(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	fired := false
	machine.registerInputCallback([]key{CtrlKey('X'), CtrlKey('E')}, func(_ []key, _ Editor) bool {
		fired = true
		return false
	})

	machine.keyPressed(CtrlKey('X'), editor)
	assert.False(t, fired)
	assert.False(t, machine.shouldProcessLastPressedKey())

	machine.keyPressed(CtrlKey('E'), editor)
	assert.True(t, fired)
}

func TestMachineReplaysDeadSequencePrefix(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	machine.registerInputCallback([]key{Key('a'), Key('b')}, func(_ []key, _ Editor) bool {
		return false
	})

	machine.keyPressed(Key('a'), editor)
	machine.keyPressed(Key('c'), editor)

	// The captured 'a' is replayed into the buffer; 'c' is left for
	// default processing.
	assert.Equal(t, "a", editor.Line())
	assert.True(t, machine.shouldProcessLastPressedKey())
}

func TestMachineInterruptedWithoutBindingAllowsDefault(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	machine.interrupted(editor)
	assert.True(t, machine.shouldProcessLastPressedKey())
}

func TestMachineInterruptedRunsCtrlCBinding(t *testing.T) {
	editor := NewEditor(DefaultConfiguration()).(*lineEditor)
	machine := newKeyCallbackMachine()

	fired := false
	machine.registerInputCallback([]key{CtrlKey('C')}, func(_ []key, _ Editor) bool {
		fired = true
		return false
	})

	machine.interrupted(editor)
	assert.True(t, fired)
	assert.False(t, machine.shouldProcessLastPressedKey())
}
