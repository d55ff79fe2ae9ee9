package commands

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type AliasResolver interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
}

// ResolveRoomRef returns the room id for a room id or full alias.
func ResolveRoomRef(ctx context.Context, r AliasResolver, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "!"):
		return ref, nil
	case strings.HasPrefix(ref, "#"):
		return r.ResolveAlias(ctx, ref)
	default:
		return "", fmt.Errorf("not a room id or alias: %s", ref)
	}
}

// roomLabel renders "name, alias" when both are known and falls back to
// whichever exists, then to the room id. Only labels with a name or alias
// are cached.
func (d *Dispatcher) roomLabel(ctx context.Context, roomID string) string {
	if l, ok := d.labels.Get(roomID); ok {
		return l
	}
	l := d.lookupLabel(ctx, roomID)
	if l != roomID {
		d.labels.Set(roomID, l)
	}
	return l
}

func (d *Dispatcher) lookupLabel(ctx context.Context, roomID string) string {
	name, err := d.cli.RoomName(ctx, roomID)
	if err != nil {
		d.log.Debug("room name lookup failed", zap.String("room", roomID), zap.Error(err))
	}

	alias := ""
	if ref := d.eng.Joiner.Ref(roomID); strings.HasPrefix(ref, "#") {
		alias = ref
	} else if a, err := d.cli.CanonicalAlias(ctx, roomID); err == nil {
		alias = a
	}

	switch {
	case name != "" && alias != "":
		return name + ", " + alias
	case name != "":
		return name
	case alias != "":
		return alias
	default:
		return roomID
	}
}
