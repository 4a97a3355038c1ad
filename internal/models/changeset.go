package models

// ChangeSet lists exactly the note attributes a user edit changes.
// A nil field is left untouched.
type ChangeSet struct {
	Status   *Status
	Priority *PriorityChange
	Comment  *string
	Archived *bool
	Deleted  *bool
}

// PriorityChange carries a new priority; Value nil clears it.
type PriorityChange struct {
	Value *int
}

// Empty reports whether the change-set changes nothing.
func (c ChangeSet) Empty() bool {
	return c.Status == nil && c.Priority == nil && c.Comment == nil && c.Archived == nil && c.Deleted == nil
}
