package lined

import (
	"golang.org/x/sys/unix"
)

// fallbackTermios carries the conventional control characters, so that
// the erase/kill/eof bindings exist even before a real terminal has been
// queried (or when there is none to query).
func fallbackTermios() unix.Termios {
	var t unix.Termios
	t.Cc[unix.VERASE] = 0x7f  // backspace
	t.Cc[unix.VWERASE] = 0x17 // ^W
	t.Cc[unix.VKILL] = 0x15   // ^U
	t.Cc[unix.VEOF] = 0x04    // ^D
	return t
}
