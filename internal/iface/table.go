package iface

import (
	"fmt"

	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
)

// Channel-control interface, reserved by every Table.
const (
	ControlInterfaceID uint8 = 0
	AckMessageID       uint8 = 1
)

// Table maps (interface id, message id) to descriptors.
type Table struct {
	interfaces map[uint8]*InterfaceDescriptor
	sealed     bool
}

// NewTable returns a table holding only the channel-control interface.
func NewTable() *Table {
	t := &Table{interfaces: make(map[uint8]*InterfaceDescriptor)}
	if _, err := t.Register(ControlInterfaceID, "control", MessageDescriptor{
		ID:     AckMessageID,
		Name:   "ack",
		Length: protocol.Fixed(protocol.AckSize),
	}); err != nil {
		panic(err) // unreachable: fresh table
	}
	return t
}

// Register adds an interface. It fails with a Configuration error when id is
// taken, a message id repeats, a length class is malformed, a reply names a
// message missing from entries, or the table is sealed.
func (t *Table) Register(id uint8, name string, entries ...MessageDescriptor) (*InterfaceDescriptor, error) {
	if t.sealed {
		return nil, configError("table is sealed, cannot register interface %d (%s)", id, name)
	}
	if prev, ok := t.interfaces[id]; ok {
		return nil, configError("interface id %d (%s) already registered as %s", id, name, prev.Name)
	}

	desc := &InterfaceDescriptor{
		ID:      id,
		Name:    name,
		entries: make([]MessageDescriptor, 0, len(entries)),
		byID:    make(map[uint8]int, len(entries)),
	}
	for _, e := range entries {
		if _, dup := desc.byID[e.ID]; dup {
			return nil, configError("interface %d (%s): message id %d declared twice", id, name, e.ID)
		}
		if err := e.Length.Validate(); err != nil {
			return nil, configError("interface %d (%s): message %d (%s): %v", id, name, e.ID, e.Name, err)
		}
		if e.Addressing == ByTargetID && e.Length.IsFixed() && e.Length.Size() < protocol.TargetIDSize {
			return nil, configError("interface %d (%s): targeted message %d is shorter than a target id", id, name, e.ID)
		}
		e.interfaceID = id
		desc.byID[e.ID] = len(desc.entries)
		desc.entries = append(desc.entries, e)
	}
	for _, e := range desc.entries {
		if e.HasReply {
			if _, ok := desc.byID[e.ReplyID]; !ok {
				return nil, configError("interface %d (%s): message %d replies with undeclared message %d", id, name, e.ID, e.ReplyID)
			}
		}
	}

	t.interfaces[id] = desc
	return desc, nil
}

// Seal ends the registration phase.
func (t *Table) Seal() { t.sealed = true }

// Sealed reports whether Seal has been called.
func (t *Table) Sealed() bool { return t.sealed }

// Interface returns the registered interface with the given id.
func (t *Table) Interface(id uint8) (*InterfaceDescriptor, bool) {
	d, ok := t.interfaces[id]
	return d, ok
}

// Resolve returns the descriptor for (interfaceID, messageID) or an
// UnknownMessage error.
func (t *Table) Resolve(interfaceID, messageID uint8) (MessageDescriptor, error) {
	d, ok := t.interfaces[interfaceID]
	if !ok {
		return MessageDescriptor{}, nub.Wrap(nub.UnknownMessage, nub.None,
			fmt.Errorf("no interface %d", interfaceID))
	}
	m, ok := d.Message(messageID)
	if !ok {
		return MessageDescriptor{}, nub.Wrap(nub.UnknownMessage, nub.None,
			fmt.Errorf("no message %d in interface %d (%s)", messageID, interfaceID, d.Name))
	}
	return m, nil
}

// LengthClass implements protocol.Resolver.
func (t *Table) LengthClass(interfaceID, messageID uint8) (protocol.LengthClass, error) {
	m, err := t.Resolve(interfaceID, messageID)
	if err != nil {
		return protocol.LengthClass{}, err
	}
	return m.Length, nil
}

func configError(format string, args ...any) error {
	return nub.Wrap(nub.Configuration, nub.None, fmt.Errorf(format, args...))
}
