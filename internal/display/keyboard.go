package display

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/internal/logger"
)

// KeyInterrupt is Ctrl-C, which raw mode delivers as a key instead of SIGINT.
const KeyInterrupt rune = 0x03

// Keyboard reads single key presses from a terminal in raw mode.
type Keyboard struct {
	fd    int
	state *term.State
	keys  chan rune
	once  sync.Once
}

// OpenKeyboard switches the terminal behind f to raw mode. It fails when f
// is not a terminal.
func OpenKeyboard(f *os.File) (*Keyboard, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}

	k := &Keyboard{fd: fd, state: state, keys: make(chan rune, 8)}
	go k.read(f)
	return k, nil
}

func (k *Keyboard) read(r io.Reader) {
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		if err != nil {
			logger.Debug("Keyboard", "Read stopped: %v", err)
			return
		}
		for _, b := range bytes.Runes(buf[:n]) {
			select {
			case k.keys <- b:
			default:
			}
		}
	}
}

// PollKey implements KeySource.
func (k *Keyboard) PollKey() (rune, bool) {
	select {
	case r := <-k.keys:
		return r, true
	default:
		return 0, false
	}
}

// Close restores the terminal.
func (k *Keyboard) Close() error {
	var err error
	k.once.Do(func() {
		err = term.Restore(k.fd, k.state)
	})
	return err
}

// CRLFWriter translates \n to \r\n so log lines stay aligned while the
// terminal is in raw mode.
func CRLFWriter(w io.Writer) io.Writer {
	return crlfWriter{w: w}
}

type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
