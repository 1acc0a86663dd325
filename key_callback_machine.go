package lined

func ctrl(k rune) uint32 {
	return uint32(k & 0x3f)
}

// keyCallbackMachineImpl matches incoming keys against registered key
// sequences. Only when a full sequence matches does its callback run; a
// partially matched sequence that dies is replayed into the buffer.
type keyCallbackMachineImpl struct {
	keyCallbacks         map[uint32]KeybindingCallback
	keyAssignments       map[uint32][]key
	currentMatchingKeys  [][]key
	sequenceLength       int
	shouldProcessThisKey bool
	serial               uint32
}

func newKeyCallbackMachine() keyCallbackMachine {
	return &keyCallbackMachineImpl{
		keyCallbacks:         make(map[uint32]KeybindingCallback),
		keyAssignments:       make(map[uint32][]key),
		shouldProcessThisKey: true,
	}
}

func (k *keyCallbackMachineImpl) registerInputCallback(keys []key, callback KeybindingCallback) {
	assignedIndex := k.findMatchingKeysIndex(keys)
	if assignedIndex == k.serial {
		k.serial++
	}

	k.keyAssignments[assignedIndex] = keys
	k.keyCallbacks[assignedIndex] = callback
}

// findMatchingKeysIndex returns the index an identical sequence was
// registered under, or the next free index.
func (k *keyCallbackMachineImpl) findMatchingKeysIndex(keys []key) uint32 {
	for i, assignedKeys := range k.keyAssignments {
		if len(assignedKeys) != len(keys) {
			continue
		}
		matches := true
		for j, candidate := range keys {
			if candidate != assignedKeys[j] {
				matches = false
				break
			}
		}
		if matches {
			return i
		}
	}
	return k.serial
}

func (k *keyCallbackMachineImpl) keyPressed(newKey key, editor Editor) {
	if k.sequenceLength == 0 {
		for i := range k.keyCallbacks {
			keys := k.keyAssignments[i]
			if keys[0] == newKey {
				k.currentMatchingKeys = append(k.currentMatchingKeys, keys)
			}
		}

		if len(k.currentMatchingKeys) == 0 {
			k.shouldProcessThisKey = true
			return
		}
	}

	k.sequenceLength++
	oldMatchingKeys := k.currentMatchingKeys
	k.currentMatchingKeys = nil

	for _, keys := range oldMatchingKeys {
		if len(keys) < k.sequenceLength {
			continue
		}
		if keys[k.sequenceLength-1] == newKey {
			k.currentMatchingKeys = append(k.currentMatchingKeys, keys)
		}
	}

	if len(k.currentMatchingKeys) == 0 {
		// The sequence died; replay whatever prefix it captured.
		if len(oldMatchingKeys) != 0 {
			keys := oldMatchingKeys[0]
			for i := 0; i < k.sequenceLength-1; i++ {
				editor.InsertChar(rune(keys[i].key))
			}
		}
		k.sequenceLength = 0
		k.shouldProcessThisKey = true
		return
	}

	k.shouldProcessThisKey = false
	for _, matchingKeys := range k.currentMatchingKeys {
		if len(matchingKeys) == k.sequenceLength {
			k.shouldProcessThisKey = k.keyCallbacks[k.findMatchingKeysIndex(matchingKeys)](matchingKeys, editor)
			k.sequenceLength = 0
			k.currentMatchingKeys = k.currentMatchingKeys[:0]
			return
		}
	}
}

func (k *keyCallbackMachineImpl) interrupted(editor Editor) {
	k.sequenceLength = 0
	k.currentMatchingKeys = k.currentMatchingKeys[:0]
	seq := []key{{key: ctrl('C')}}
	if index := k.findMatchingKeysIndex(seq); index != k.serial {
		k.shouldProcessThisKey = k.keyCallbacks[index](seq, editor)
	} else {
		k.shouldProcessThisKey = true
	}
}

func (k *keyCallbackMachineImpl) shouldProcessLastPressedKey() bool {
	return k.shouldProcessThisKey
}
