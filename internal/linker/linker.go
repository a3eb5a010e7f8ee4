// Package linker validates and submits topology mutations: external port
// links between devices and the intersections that hold them.
//
// Mutations are never applied locally. Callers refetch the model after a
// successful call so the view only shows what the device has confirmed.
package linker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/topology"
)

// Device API mutation paths.
const (
	PathAddExternalPort    = "/add_external_port"
	PathUpdateExternalPort = "/update_external_port"
	PathRemoveExternalPort = "/remove_external_port"
	PathAddIntersection    = "/add_intersection"
	PathRemoveIntersection = "/remove_intersection"
)

// Validation messages.
const (
	MsgMissingIntersection = "Missing intersection context"
	MsgSelectRemote        = "Select a remote device"
	MsgMissingMAC          = "Selected device is missing a MAC address in /device_info"
	MsgInvalidTarget       = "Select a valid target internal port"
	MsgInvalidGroup        = "Group must be one of 1, 2, 4, 8, or 16"
	MsgSaveFailed          = "Failed to save external port"
	MsgNoFreeSlot          = "Intersection has no free port slot"
	MsgSlotUnavailable     = "Port slot is out of range or already occupied"
)

// MaxTargetPortID is the largest port id a link can address.
const MaxTargetPortID = 255

// GroupBits are the valid single-bit group values.
var GroupBits = []int{1, 2, 4, 8, 16}

// ErrCrossDeviceUnsupported is returned when the device firmware cannot
// store external ports.
var ErrCrossDeviceUnsupported = errors.New("External port editing requires schemaVersion 2 and cross-device support")

// ValidationError reports input rejected before any request was sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsGroupBit reports whether g is one of GroupBits.
func IsGroupBit(g int) bool {
	for _, b := range GroupBits {
		if g == b {
			return true
		}
	}
	return false
}

// ParseTargetPortID parses a target port id and checks its range.
func ParseTargetPortID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 || id > MaxTargetPortID {
		return 0, &ValidationError{Field: "targetPortId", Message: MsgInvalidTarget}
	}
	return id, nil
}

// ParseGroup parses a group value and checks it is a single group bit.
func ParseGroup(s string) (int, error) {
	g, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !IsGroupBit(g) {
		return 0, &ValidationError{Field: "group", Message: MsgInvalidGroup}
	}
	return g, nil
}

// RequireCrossDevice returns ErrCrossDeviceUnsupported unless m allows
// external port mutations.
func RequireCrossDevice(m topology.Model) error {
	if !m.CanEditExternalPorts() {
		return ErrCrossDeviceUnsupported
	}
	return nil
}

// ChooseSlot returns slot if it is a free slot of in, or the first free
// slot when slot is negative.
func ChooseSlot(in topology.Intersection, slot int) (int, error) {
	free := in.FreeSlots()
	if slot < 0 {
		if len(free) == 0 {
			return 0, &ValidationError{Field: "slotIndex", Message: MsgNoFreeSlot}
		}
		return free[0], nil
	}
	for _, f := range free {
		if f == slot {
			return slot, nil
		}
	}
	return 0, &ValidationError{Field: "slotIndex", Message: MsgSlotUnavailable}
}

// AddExternalPortRequest creates an external port in a free slot.
type AddExternalPortRequest struct {
	IntersectionID int    `json:"intersectionId"`
	SlotIndex      int    `json:"slotIndex"`
	Group          int    `json:"group"`
	Direction      bool   `json:"direction"`
	DeviceMAC      string `json:"deviceMac"`
	TargetPortID   int    `json:"targetPortId"`
}

// UpdateExternalPortRequest rewires an existing external port.
type UpdateExternalPortRequest struct {
	PortID       int    `json:"portId"`
	Group        int    `json:"group"`
	Direction    bool   `json:"direction"`
	DeviceMAC    string `json:"deviceMac"`
	TargetPortID int    `json:"targetPortId"`
}

// RemoveExternalPortRequest deletes an external port.
type RemoveExternalPortRequest struct {
	PortID int `json:"portId"`
}

// AddIntersectionRequest creates an intersection.
type AddIntersectionRequest struct {
	NumPorts    int  `json:"numPorts"`
	TopPixel    int  `json:"topPixel"`
	Group       int  `json:"group"`
	BottomPixel *int `json:"bottomPixel,omitempty"`
}

// RemoveIntersectionRequest deletes an intersection.
type RemoveIntersectionRequest struct {
	ID    int `json:"id"`
	Group int `json:"group"`
}

// Poster posts JSON to the selected device.
type Poster interface {
	PostJSON(ctx context.Context, path string, payload any) (gjson.Result, error)
}

// Linker submits mutations to the selected device.
type Linker struct {
	poster  Poster
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Linker.
func New(poster Poster, logger *slog.Logger, m *metrics.Metrics) *Linker {
	return &Linker{
		poster:  poster,
		logger:  logging.ForComponent(logger, "linker"),
		metrics: m,
	}
}

// AddExternalPort validates and submits req.
func (l *Linker) AddExternalPort(ctx context.Context, req AddExternalPortRequest) (gjson.Result, error) {
	mac, err := validateLink(req.DeviceMAC, req.TargetPortID, req.Group)
	if err != nil {
		l.metrics.RecordMutation("add_external_port", metrics.OutcomeInvalid)
		return gjson.Result{}, err
	}
	if req.SlotIndex < 0 {
		l.metrics.RecordMutation("add_external_port", metrics.OutcomeInvalid)
		return gjson.Result{}, &ValidationError{Field: "slotIndex", Message: "Slot index must not be negative"}
	}
	req.DeviceMAC = mac
	return l.submit(ctx, "add_external_port", PathAddExternalPort, req)
}

// UpdateExternalPort validates and submits req.
func (l *Linker) UpdateExternalPort(ctx context.Context, req UpdateExternalPortRequest) (gjson.Result, error) {
	mac, err := validateLink(req.DeviceMAC, req.TargetPortID, req.Group)
	if err != nil {
		l.metrics.RecordMutation("update_external_port", metrics.OutcomeInvalid)
		return gjson.Result{}, err
	}
	req.DeviceMAC = mac
	return l.submit(ctx, "update_external_port", PathUpdateExternalPort, req)
}

// RemoveExternalPort submits a removal.
func (l *Linker) RemoveExternalPort(ctx context.Context, portID int) (gjson.Result, error) {
	return l.submit(ctx, "remove_external_port", PathRemoveExternalPort, RemoveExternalPortRequest{PortID: portID})
}

// AddIntersection submits req. Group collisions between ports are not
// checked.
func (l *Linker) AddIntersection(ctx context.Context, req AddIntersectionRequest) (gjson.Result, error) {
	if req.NumPorts <= 0 {
		l.metrics.RecordMutation("add_intersection", metrics.OutcomeInvalid)
		return gjson.Result{}, &ValidationError{Field: "numPorts", Message: "Number of ports must be positive"}
	}
	return l.submit(ctx, "add_intersection", PathAddIntersection, req)
}

// RemoveIntersection submits a removal.
func (l *Linker) RemoveIntersection(ctx context.Context, id, group int) (gjson.Result, error) {
	return l.submit(ctx, "remove_intersection", PathRemoveIntersection, RemoveIntersectionRequest{ID: id, Group: group})
}

func (l *Linker) submit(ctx context.Context, op, path string, payload any) (gjson.Result, error) {
	doc, err := l.poster.PostJSON(ctx, path, payload)
	if err != nil {
		l.metrics.RecordMutation(op, errorOutcome(err))
		l.logger.Warn("mutation failed", logging.KeyOp, op, logging.KeyError, err)
		return gjson.Result{}, err
	}
	l.metrics.RecordMutation(op, metrics.OutcomeOK)
	l.logger.Info("mutation applied", logging.KeyOp, op)
	return doc, nil
}

// validateLink checks the link fields shared by add and update and returns
// the normalized MAC.
func validateLink(deviceMAC string, targetPortID, group int) (string, error) {
	mac := topology.NormalizeMAC(deviceMAC)
	if mac == "" {
		return "", &ValidationError{Field: "deviceMac", Message: MsgMissingMAC}
	}
	if targetPortID < 0 || targetPortID > MaxTargetPortID {
		return "", &ValidationError{Field: "targetPortId", Message: MsgInvalidTarget}
	}
	if !IsGroupBit(group) {
		return "", &ValidationError{Field: "group", Message: MsgInvalidGroup}
	}
	return mac, nil
}

func errorOutcome(err error) string {
	var (
		authErr    *deviceapi.AuthError
		netErr     *deviceapi.NetworkError
		invalidErr *ValidationError
	)
	switch {
	case errors.As(err, &invalidErr):
		return metrics.OutcomeInvalid
	case errors.As(err, &authErr):
		if authErr.Blocked {
			return metrics.OutcomeBlocked
		}
		return metrics.OutcomeAuth
	case errors.As(err, &netErr):
		return metrics.OutcomeNetwork
	}
	return metrics.OutcomeProtocol
}
