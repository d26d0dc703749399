// Package uinput creates a virtual keyboard through the Linux uinput
// subsystem and types text on it. It backs the virtual-keyboard injection
// adapter and the synthesized paste chord used by the clipboard adapter.
package uinput

import "fmt"

// Linux input-event key codes used by the keymap.
const (
	KeyEsc        = 1
	Key1          = 2
	Key0          = 11
	KeyMinus      = 12
	KeyEqual      = 13
	KeyBackspace  = 14
	KeyTab        = 15
	KeyEnter      = 28
	KeyLeftCtrl   = 29
	KeySemicolon  = 39
	KeyApostrophe = 40
	KeyGrave      = 41
	KeyLeftShift  = 42
	KeyBackslash  = 43
	KeyV          = 47
	KeyComma      = 51
	KeyDot        = 52
	KeySlash      = 53
	KeySpace      = 57

	maxKeyCode = 64
)

// Stroke is one key press with an optional shift modifier.
type Stroke struct {
	Code  uint16
	Shift bool
}

// usLayout maps runes to strokes for a US keyboard layout.
var usLayout = map[rune]Stroke{
	' ':  {Code: KeySpace},
	'\t': {Code: KeyTab},
	'\n': {Code: KeyEnter},

	'-':  {Code: KeyMinus},
	'=':  {Code: KeyEqual},
	'[':  {Code: 26},
	']':  {Code: 27},
	';':  {Code: KeySemicolon},
	'\'': {Code: KeyApostrophe},
	'`':  {Code: KeyGrave},
	'\\': {Code: KeyBackslash},
	',':  {Code: KeyComma},
	'.':  {Code: KeyDot},
	'/':  {Code: KeySlash},

	'_': {Code: KeyMinus, Shift: true},
	'+': {Code: KeyEqual, Shift: true},
	'{': {Code: 26, Shift: true},
	'}': {Code: 27, Shift: true},
	':': {Code: KeySemicolon, Shift: true},
	'"': {Code: KeyApostrophe, Shift: true},
	'~': {Code: KeyGrave, Shift: true},
	'|': {Code: KeyBackslash, Shift: true},
	'<': {Code: KeyComma, Shift: true},
	'>': {Code: KeyDot, Shift: true},
	'?': {Code: KeySlash, Shift: true},

	'!': {Code: Key1, Shift: true},
	'@': {Code: 3, Shift: true},
	'#': {Code: 4, Shift: true},
	'$': {Code: 5, Shift: true},
	'%': {Code: 6, Shift: true},
	'^': {Code: 7, Shift: true},
	'&': {Code: 8, Shift: true},
	'*': {Code: 9, Shift: true},
	'(': {Code: 10, Shift: true},
	')': {Code: Key0, Shift: true},
}

// letterRow maps the QWERTY letter rows to key codes.
var letterRow = map[rune]uint16{
	'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22, 'i': 23, 'o': 24, 'p': 25,
	'a': 30, 's': 31, 'd': 32, 'f': 33, 'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38,
	'z': 44, 'x': 45, 'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
}

func init() {
	for r, code := range letterRow {
		usLayout[r] = Stroke{Code: code}
		usLayout[r-'a'+'A'] = Stroke{Code: code, Shift: true}
	}
	for i := rune('1'); i <= '9'; i++ {
		usLayout[i] = Stroke{Code: uint16(Key1 + i - '1')}
	}
	usLayout['0'] = Stroke{Code: Key0}
}

// MapRune resolves a rune to a stroke on the US layout.
func MapRune(r rune) (Stroke, error) {
	s, ok := usLayout[r]
	if !ok {
		return Stroke{}, fmt.Errorf("uinput: no key mapping for %q", r)
	}
	return s, nil
}

// MapText resolves a whole string, failing on the first unmappable rune.
// Text with characters outside the layout (non-ASCII, emoji) cannot be typed
// by this method; callers fall back to a clipboard-based method instead.
func MapText(text string) ([]Stroke, error) {
	strokes := make([]Stroke, 0, len(text))
	for _, r := range text {
		s, err := MapRune(r)
		if err != nil {
			return nil, err
		}
		strokes = append(strokes, s)
	}
	return strokes, nil
}
