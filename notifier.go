package blelink

import (
	"errors"
	"sync"
)

// A notifier pushes value-change notifications for one
// characteristic to one subscribed central. It is handed to the
// characteristic's NotifyHandler and lives until the central
// unsubscribes or disconnects.
type notifier struct {
	radio  Radio
	addr   BDAddr
	char   *Characteristic
	maxlen int
	donemu sync.RWMutex
	done   bool
}

func newNotifier(radio Radio, addr BDAddr, char *Characteristic, maxlen int) *notifier {
	return &notifier{radio: radio, addr: addr, char: char, maxlen: maxlen}
}

func (n *notifier) Write(data []byte) (int, error) {
	if n.Done() {
		return 0, errors.New("central stopped notifications")
	}
	if len(data) > n.maxlen {
		return 0, ErrPayloadTooLarge
	}
	if err := n.radio.Notify(n.addr, n.char.uuid, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (n *notifier) Cap() int {
	return n.maxlen
}

func (n *notifier) Done() bool {
	n.donemu.RLock()
	done := n.done
	n.donemu.RUnlock()
	return done
}

func (n *notifier) stop() {
	n.donemu.Lock()
	n.done = true
	n.donemu.Unlock()
}
