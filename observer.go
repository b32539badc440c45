package slotvault

import (
	"fmt"
	"sync"
)

// updateNotifier holds the engine's single UpdatesObserver and the set of
// monitored slots. Registration is rare and dispatch frequent, so the state
// sits behind an RWMutex: commits take the read lock, registration and
// subscription changes the write lock.
type updateNotifier struct {
	mu         sync.RWMutex
	observer   UpdatesObserver
	subscribed map[SlotNumber]struct{}
}

func newUpdateNotifier() *updateNotifier {
	return &updateNotifier{subscribed: make(map[SlotNumber]struct{})}
}

// register installs observer and returns the previous one. A nil observer
// only unregisters; the monitored set survives replacement.
func (n *updateNotifier) register(observer UpdatesObserver) UpdatesObserver {
	n.mu.Lock()
	defer n.mu.Unlock()
	previous := n.observer
	n.observer = observer
	return previous
}

// subscribe adds a slot to the monitored set. Already monitored is a no-op.
func (n *updateNotifier) subscribe(slot SlotNumber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribed[slot] = struct{}{}
}

func (n *updateNotifier) unsubscribe(slot SlotNumber) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribed[slot]; !ok {
		return fmt.Errorf("slot %d is not being monitored: %w", slot, ErrInvalidArgument)
	}
	delete(n.subscribed, slot)
	return nil
}

// notify dispatches a committed visible change. Callers must not hold any
// slot mutex: the observer callback runs synchronously and may call back
// into the engine.
func (n *updateNotifier) notify(slot SlotNumber) {
	n.mu.RLock()
	observer := n.observer
	_, monitored := n.subscribed[slot]
	n.mu.RUnlock()
	if observer != nil && monitored {
		observer.SlotUpdated(slot)
	}
}
