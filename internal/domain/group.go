package domain

type GroupID string

// Group is created and updated by the external directory; read-only here.
type Group struct {
	ID       GroupID   `json:"id"`
	Name     string    `json:"name"`
	GuardIDs []GuardID `json:"guard_ids"`
}

func (g *Group) HasMember(id GuardID) bool {
	for _, gid := range g.GuardIDs {
		if gid == id {
			return true
		}
	}
	return false
}
