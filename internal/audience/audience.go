// Package audience expands a broadcast target into concrete recipients.
//
// Resolution happens at dispatch time, never at authoring time: group
// membership is dynamic, and the recipient set must reflect membership at the
// moment the worker runs. The member counts shown while authoring are preview
// snapshots with no delivery guarantee (see PreviewCount).
package audience

import (
	"context"
	"errors"
	"fmt"

	"caster/internal/broadcast"
	"caster/pkg/logx"
)

// ErrGroupNotFound is returned by GroupDirectory implementations for a group
// id that no longer exists. The resolver treats it as a warning, not a fault.
var ErrGroupNotFound = errors.New("group not found")

// GroupDirectory is the group-membership collaborator.
type GroupDirectory interface {
	// Members returns the current member user ids of a group, or
	// ErrGroupNotFound for a vanished group.
	Members(ctx context.Context, groupID string) ([]string, error)
	// MemberCount returns a membership count snapshot for authoring previews.
	MemberCount(ctx context.Context, groupID string) (int, error)
}

// UserDirectory is the user-population collaborator.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	// ActiveUsers pages through the full active population; an empty next
	// cursor ends the stream. Used for ALL targets, which are deliberately
	// never materialized into one slice.
	ActiveUsers(ctx context.Context, cursor string, limit int) (ids []string, next string, err error)
}

// Resolution is the outcome of resolving a target.
//
// All is a sentinel: the recipient slice stays empty and the dispatcher is
// expected to stream the population via UserDirectory.ActiveUsers instead of
// holding it in memory. Warnings record vanished groups/users; they never
// fail the resolution.
type Resolution struct {
	All        bool
	Recipients []string
	Warnings   []string
}

type Resolver struct {
	groups GroupDirectory
	users  UserDirectory
	log    logx.Logger
}

func NewResolver(groups GroupDirectory, users UserDirectory, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{groups: groups, users: users, log: log}
}

// Resolve expands t into a de-duplicated recipient set.
//
//   - ALL: sentinel resolution (see Resolution.All).
//   - GROUPS: union of member sets; a vanished group is skipped and recorded
//     as a warning so one deleted group never sinks the whole broadcast.
//   - USER: singleton; a vanished user yields an empty set plus a warning,
//     and the broadcast still completes as SENT with zero deliveries.
//
// Only infrastructure failures (directory I/O errors) are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, t broadcast.Target) (Resolution, error) {
	switch t.Kind {
	case broadcast.TargetAll:
		return Resolution{All: true}, nil

	case broadcast.TargetGroups:
		var res Resolution
		seen := make(map[string]struct{})
		for _, gid := range t.GroupIDs {
			members, err := r.groups.Members(ctx, gid)
			if errors.Is(err, ErrGroupNotFound) {
				r.log.Warn("target group vanished before dispatch", logx.String("group", gid))
				res.Warnings = append(res.Warnings, "group "+gid+" not found at dispatch time")
				continue
			}
			if err != nil {
				return Resolution{}, fmt.Errorf("resolve group %s: %w", gid, err)
			}
			for _, uid := range members {
				if _, dup := seen[uid]; dup {
					continue
				}
				seen[uid] = struct{}{}
				res.Recipients = append(res.Recipients, uid)
			}
		}
		return res, nil

	case broadcast.TargetUser:
		ok, err := r.users.Exists(ctx, t.UserID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve user %s: %w", t.UserID, err)
		}
		if !ok {
			r.log.Warn("target user vanished before dispatch", logx.String("user", t.UserID))
			return Resolution{Warnings: []string{"user " + t.UserID + " not found at dispatch time"}}, nil
		}
		return Resolution{Recipients: []string{t.UserID}}, nil

	default:
		// Targets are validated before persistence; reaching this is a bug.
		return Resolution{}, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// PreviewCount returns an authoring-time audience size estimate.
//
// The number is a snapshot: membership may change before the broadcast is
// dispatched, and overlapping groups are counted once per group (the preview
// does not fetch member lists). ALL targets return -1 (unknown). Callers must
// treat the value as advisory only.
func (r *Resolver) PreviewCount(ctx context.Context, t broadcast.Target) (int, error) {
	switch t.Kind {
	case broadcast.TargetAll:
		return -1, nil
	case broadcast.TargetGroups:
		total := 0
		for _, gid := range t.GroupIDs {
			n, err := r.groups.MemberCount(ctx, gid)
			if errors.Is(err, ErrGroupNotFound) {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("preview group %s: %w", gid, err)
			}
			total += n
		}
		return total, nil
	case broadcast.TargetUser:
		ok, err := r.users.Exists(ctx, t.UserID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}
