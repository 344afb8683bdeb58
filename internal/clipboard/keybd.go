package clipboard

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/micmonay/keybd_event"
)

// linuxDeviceSettle is how long a fresh uinput device takes to be picked up
// by the display server.
const linuxDeviceSettle = 2 * time.Second

// KeybdPaster presses Ctrl+V (Cmd+V on macOS) through a virtual keyboard.
type KeybdPaster struct {
	mu sync.Mutex
	kb keybd_event.KeyBonding
}

// NewKeybdPaster creates the virtual keyboard. On Linux this needs write
// access to /dev/uinput and blocks briefly while the device registers.
func NewKeybdPaster() (*KeybdPaster, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("clipboard: create virtual keyboard: %w", err)
	}
	if runtime.GOOS == "linux" {
		time.Sleep(linuxDeviceSettle)
	}
	kb.SetKeys(keybd_event.VK_V)
	if runtime.GOOS == "darwin" {
		kb.HasSuper(true)
	} else {
		kb.HasCTRL(true)
	}
	return &KeybdPaster{kb: kb}, nil
}

// PasteKeystroke implements Keystroker.
func (p *KeybdPaster) PasteKeystroke(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kb.Launching()
}
