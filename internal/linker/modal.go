package linker

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/topology"
)

// Mode selects whether the modal creates or edits a port.
type Mode string

const (
	ModeAdd  Mode = "add"
	ModeEdit Mode = "edit"
)

// State is the modal lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSubmitting:
		return "submitting"
	}
	return "closed"
}

// ErrModalBusy is returned when Open or Submit is called in the wrong state.
var ErrModalBusy = errors.New("external port form is not ready")

// Fields is the user-editable part of the modal.
type Fields struct {
	RemoteHost   string `json:"remoteHost"`
	TargetPortID string `json:"targetPortId"`
	Group        string `json:"group"`
	Direction    bool   `json:"direction"`
}

// Modal is the add/edit external port form. It moves
// Closed -> Open -> Submitting -> Closed, or back to Open with an error so
// the user can retry without losing input.
type Modal struct {
	linker *Linker

	mu           sync.Mutex
	state        State
	mode         Mode
	intersection *topology.Intersection
	slotIndex    int
	port         *topology.Port
	remotes      []remote.Summary
	fields       Fields
	err          string
}

// NewModal creates a closed modal that submits through l.
func NewModal(l *Linker) *Modal {
	return &Modal{linker: l}
}

// OpenAdd opens the form to link a free slot.
func (m *Modal) OpenAdd(model topology.Model, in topology.Intersection, slot int, remotes []remote.Summary) error {
	return m.open(model, ModeAdd, &in, slot, nil, remotes)
}

// OpenEdit opens the form prefilled from an existing external port.
func (m *Modal) OpenEdit(model topology.Model, in topology.Intersection, slot int, port *topology.Port, remotes []remote.Summary) error {
	return m.open(model, ModeEdit, &in, slot, port, remotes)
}

func (m *Modal) open(model topology.Model, mode Mode, in *topology.Intersection, slot int, port *topology.Port, remotes []remote.Summary) error {
	if err := RequireCrossDevice(model); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateSubmitting {
		return ErrModalBusy
	}

	m.state = StateOpen
	m.mode = mode
	m.intersection = in
	m.slotIndex = slot
	m.port = port
	m.remotes = remotes
	m.err = ""
	m.fields = prefill(in, port, remotes)
	return nil
}

// prefill derives the initial form values: group from the port, then the
// intersection, then 1; the remote whose MAC matches the port, else the
// first; the port's target, else the remote's first port.
func prefill(in *topology.Intersection, port *topology.Port, remotes []remote.Summary) Fields {
	group := 1
	switch {
	case port != nil:
		group = port.Group
	case in != nil:
		group = in.Group
	}
	if !IsGroupBit(group) {
		group = 1
	}

	f := Fields{Group: strconv.Itoa(group)}
	if port != nil {
		f.Direction = port.Direction
	}

	var preferred *remote.Summary
	if port != nil && port.Device != "" {
		if s, ok := remote.NewLookup(remotes).ByMAC(port.Device); ok {
			preferred = s
		}
	}
	if preferred == nil && len(remotes) > 0 {
		preferred = &remotes[0]
	}
	if preferred != nil {
		f.RemoteHost = preferred.Host
	}

	switch {
	case port != nil && port.TargetID != nil:
		f.TargetPortID = strconv.Itoa(*port.TargetID)
	case preferred != nil && len(preferred.Ports) > 0:
		f.TargetPortID = strconv.Itoa(preferred.Ports[0].PortID)
	}
	return f
}

// SelectRemote picks a remote device and resets the target to its first
// port.
func (m *Modal) SelectRemote(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fields.RemoteHost = host
	m.fields.TargetPortID = ""
	if s := m.selectedRemote(); s != nil && len(s.Ports) > 0 {
		m.fields.TargetPortID = strconv.Itoa(s.Ports[0].PortID)
	}
}

// SetTarget sets the raw target port id.
func (m *Modal) SetTarget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.TargetPortID = id
}

// SetGroup sets the raw group value.
func (m *Modal) SetGroup(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Group = group
}

// SetDirection sets the port direction; true is outbound.
func (m *Modal) SetDirection(outbound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields.Direction = outbound
}

// Submit validates the form and sends it. On success the modal closes; on
// failure it stays open with Err set and the fields untouched.
func (m *Modal) Submit(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrModalBusy
	}
	m.err = ""

	mode := m.mode
	in := m.intersection
	slot := m.slotIndex
	port := m.port
	fields := m.fields
	remoteDevice := m.selectedRemote()

	if err := Validate(in, remoteDevice, fields); err != nil {
		m.err = err.Error()
		m.mu.Unlock()
		return err
	}
	m.state = StateSubmitting
	m.mu.Unlock()

	target, _ := ParseTargetPortID(fields.TargetPortID)
	group, _ := ParseGroup(fields.Group)

	var err error
	if mode == ModeEdit && port != nil {
		_, err = m.linker.UpdateExternalPort(ctx, UpdateExternalPortRequest{
			PortID:       port.ID,
			Group:        group,
			Direction:    fields.Direction,
			DeviceMAC:    remoteDevice.MAC,
			TargetPortID: target,
		})
	} else {
		_, err = m.linker.AddExternalPort(ctx, AddExternalPortRequest{
			IntersectionID: in.ID,
			SlotIndex:      slot,
			Group:          group,
			Direction:      fields.Direction,
			DeviceMAC:      remoteDevice.MAC,
			TargetPortID:   target,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateOpen
		m.err = err.Error()
		if m.err == "" {
			m.err = MsgSaveFailed
		}
		return err
	}
	m.state = StateClosed
	return nil
}

// Close dismisses the form. A submission in flight is left to finish.
func (m *Modal) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOpen {
		m.state = StateClosed
	}
}

// State returns the lifecycle state.
func (m *Modal) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the mode of the last open.
func (m *Modal) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Fields returns the current form values.
func (m *Modal) Fields() Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fields
}

// Err returns the message of the last failed submit, or "".
func (m *Modal) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Remotes returns the remote devices offered by the form.
func (m *Modal) Remotes() []remote.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remotes
}

// Targets returns the ports of the selected remote device.
func (m *Modal) Targets() []topology.PortRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.selectedRemote(); s != nil {
		return s.Ports
	}
	return nil
}

func (m *Modal) selectedRemote() *remote.Summary {
	if m.fields.RemoteHost == "" {
		return nil
	}
	for i := range m.remotes {
		if m.remotes[i].Host == m.fields.RemoteHost {
			return &m.remotes[i]
		}
	}
	return nil
}

// Validate checks form input in order: intersection, remote device, remote
// MAC, target port, group.
func Validate(in *topology.Intersection, remoteDevice *remote.Summary, f Fields) error {
	if in == nil {
		return &ValidationError{Field: "intersection", Message: MsgMissingIntersection}
	}
	if remoteDevice == nil {
		return &ValidationError{Field: "remote", Message: MsgSelectRemote}
	}
	if remoteDevice.MAC == "" {
		return &ValidationError{Field: "deviceMac", Message: MsgMissingMAC}
	}
	if _, err := ParseTargetPortID(f.TargetPortID); err != nil {
		return err
	}
	if _, err := ParseGroup(f.Group); err != nil {
		return err
	}
	return nil
}
