package topology

import "fmt"

// PortRef locates an internal port that can be the target of a link.
type PortRef struct {
	PortID         int    `json:"portId"`
	IntersectionID int    `json:"intersectionId"`
	SlotIndex      int    `json:"slotIndex"`
	Group          int    `json:"group"`
	Label          string `json:"label"`
}

// InternalPorts flattens every internal port of m in intersection and slot
// order.
func InternalPorts(m Model) []PortRef {
	refs := []PortRef{}
	for _, in := range m.Intersections {
		for slot, p := range in.Ports {
			if p == nil || p.Type != PortInternal {
				continue
			}
			refs = append(refs, PortRef{
				PortID:         p.ID,
				IntersectionID: in.ID,
				SlotIndex:      slot,
				Group:          p.Group,
				Label:          fmt.Sprintf("Port %d · I%d · Slot %d", p.ID, in.ID, slot),
			})
		}
	}
	return refs
}
