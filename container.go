package slotvault

import (
	"fmt"
	"sync"
)

// ContainerRole tags a TrustedContainer as the Owner's exclusive hold or a
// User's shared hold.
type ContainerRole string

const (
	ContainerRoleOwner ContainerRole = "owner"
	ContainerRoleUser  ContainerRole = "user"
)

// TrustedContainer is an ephemeral access handle bound to one slot. It is a
// view, not a snapshot: reads go through to the slot's current User-visible
// content. The holder destroys it with Close, which releases the hold but
// does not stop observer monitoring of the slot.
type TrustedContainer struct {
	slot  *slotState
	role  ContainerRole
	actor ActorUid

	mu     sync.Mutex
	closed bool
}

// Slot returns the slot number the container is bound to.
func (c *TrustedContainer) Slot() SlotNumber {
	return c.slot.row.Slot
}

// Role returns the container's hold kind.
func (c *TrustedContainer) Role() ContainerRole {
	return c.role
}

// ContentProps returns the current content properties of the bound slot,
// with the exportability view masked for User containers.
//
// Returns ErrEmptyContainer when the slot holds no visible object.
func (c *TrustedContainer) ContentProps() (ContentProps, error) {
	if err := c.live(); err != nil {
		return ContentProps{}, err
	}
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	if c.slot.content == nil {
		return ContentProps{}, fmt.Errorf("slot %d: %w", c.slot.row.Slot, ErrEmptyContainer)
	}
	return maskContentView(c.slot.row, c.actor, c.slot.content.props), nil
}

// Payload returns a copy of the slot's current visible payload bytes, for
// loading into a crypto provider. The caller owns the copy and should wipe
// it when done.
//
// Returns ErrEmptyContainer when the slot holds no visible object.
func (c *TrustedContainer) Payload() ([]byte, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	c.slot.mu.Lock()
	record := c.slot.content
	c.slot.mu.Unlock()
	if record == nil {
		return nil, fmt.Errorf("slot %d: %w", c.slot.row.Slot, ErrEmptyContainer)
	}
	return record.openPayload()
}

// Close destroys the container and releases its hold. Closing twice returns
// ErrInvalidArgument.
func (c *TrustedContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("container for slot %d already closed: %w", c.slot.row.Slot, ErrInvalidArgument)
	}
	c.closed = true

	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	switch c.role {
	case ContainerRoleOwner:
		c.slot.guard.releaseExclusive()
	case ContainerRoleUser:
		c.slot.guard.releaseShared()
	}
	return nil
}

func (c *TrustedContainer) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("container for slot %d is closed: %w", c.slot.row.Slot, ErrInvalidArgument)
	}
	return nil
}

// SourceObject is the staged object a crypto runtime hands to SaveCopy: the
// object's properties plus its serialized payload. The engine never
// interprets the payload bytes.
type SourceObject struct {
	props   ContentProps
	payload []byte
}

// NewSourceObject builds a source object for SaveCopy. The payload is
// copied; Size is derived from it and any value in props is overwritten.
// An empty ObjectUid gets a fresh COUID minted.
func NewSourceObject(props ContentProps, payload []byte) *SourceObject {
	if props.ObjectUid == "" {
		props.ObjectUid = NewObjectUid()
	}
	props.Size = len(payload)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &SourceObject{props: props, payload: buf}
}

// IsEmpty reports whether the source carries no object.
func (s *SourceObject) IsEmpty() bool {
	return s == nil || len(s.payload) == 0
}

// Props returns the staged object's properties.
func (s *SourceObject) Props() ContentProps {
	return s.props
}
