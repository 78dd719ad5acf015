package broadcast

import "sort"

type TargetKind string

const (
	TargetAll    TargetKind = "ALL"
	TargetGroups TargetKind = "GROUPS"
	TargetUser   TargetKind = "USER"
)

// Target is a tagged union: exactly one shape is valid per kind.
//
//	ALL    -> no auxiliary fields
//	GROUPS -> GroupIDs, non-empty
//	USER   -> UserID
//
// The union replaces the loose "whichever field happens to be set" shapes
// seen in admin UIs; Validate rejects anything with a mixed shape so a
// broadcast with both group and user targeting is never representable in
// storage.
type Target struct {
	Kind     TargetKind `json:"kind"`
	GroupIDs []string   `json:"group_ids,omitempty"`
	UserID   string     `json:"user_id,omitempty"`
}

func AllTarget() Target { return Target{Kind: TargetAll} }

func GroupsTarget(groupIDs ...string) Target {
	return Target{Kind: TargetGroups, GroupIDs: groupIDs}
}

func UserTarget(userID string) Target {
	return Target{Kind: TargetUser, UserID: userID}
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetAll:
		if len(t.GroupIDs) > 0 || t.UserID != "" {
			return &ValidationError{Field: "target", Reason: "ALL target must not carry group or user ids"}
		}
	case TargetGroups:
		if t.UserID != "" {
			return &ValidationError{Field: "target", Reason: "GROUPS target must not carry a user id"}
		}
		if len(t.GroupIDs) == 0 {
			return &ValidationError{Field: "target.group_ids", Reason: "GROUPS target requires at least one group"}
		}
		seen := make(map[string]struct{}, len(t.GroupIDs))
		for _, id := range t.GroupIDs {
			if id == "" {
				return &ValidationError{Field: "target.group_ids", Reason: "empty group id"}
			}
			if _, dup := seen[id]; dup {
				return &ValidationError{Field: "target.group_ids", Reason: "duplicate group id " + id}
			}
			seen[id] = struct{}{}
		}
	case TargetUser:
		if len(t.GroupIDs) > 0 {
			return &ValidationError{Field: "target", Reason: "USER target must not carry group ids"}
		}
		if t.UserID == "" {
			return &ValidationError{Field: "target.user_id", Reason: "USER target requires a user id"}
		}
	default:
		return &ValidationError{Field: "target.kind", Reason: "must be ALL, GROUPS or USER"}
	}
	return nil
}

func (t Target) clone() Target {
	cp := t
	if t.GroupIDs != nil {
		cp.GroupIDs = append([]string(nil), t.GroupIDs...)
	}
	return cp
}

// NormalizedGroupIDs returns a sorted copy, used for stable persistence and
// comparison in tests.
func (t Target) NormalizedGroupIDs() []string {
	ids := append([]string(nil), t.GroupIDs...)
	sort.Strings(ids)
	return ids
}
