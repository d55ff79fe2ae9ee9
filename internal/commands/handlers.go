package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/invite"
	"github.com/hellerschmid/spacebot/internal/repo"
)

func (d *Dispatcher) register() {
	d.add(&command{name: "help", description: "List available commands", usage: "!!help", public: true, run: d.help})
	d.add(&command{name: "status", description: "Show bot status and statistics", usage: "!!status", public: true, run: d.status})
	d.add(&command{name: "rooms", description: "List configured autoinvite rooms", usage: "!!rooms", run: d.rooms})
	d.add(&command{name: "autoinvite", description: "Manage autoinvite rules (add/remove/list)", usage: "!!autoinvite <add|remove|list> [space] [room]", run: d.autoinvite})
	d.add(&command{name: "invite", description: "Manually invite a user to target rooms", usage: "!!invite <user_id> [space_id]", run: d.invite})
	d.add(&command{name: "unblock", description: "Remove a user from the autoinvite blocklist", usage: "!!unblock <user_id> [room_id]", run: d.unblock})
}

func (d *Dispatcher) noRules() string {
	return "No autoinvite rules configured.\nUse " + d.opt.Prefix + "autoinvite add <space> <room> to create one."
}

/* ---------------- help / status ---------------- */

func (d *Dispatcher) help(_ context.Context, _ Request) (string, error) {
	lines := []string{"Spacebot Commands:", ""}
	for _, n := range d.names() {
		c := d.cmds[n]
		usage := strings.Replace(c.usage, "!!", d.opt.Prefix, 1)
		lines = append(lines, fmt.Sprintf("  %s -- %s", usage, c.description))
	}
	return strings.Join(lines, "\n"), nil
}

func formatUptime(d time.Duration) string {
	s := int64(d / time.Second)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	case s < 86400:
		return fmt.Sprintf("%dh %dm", s/3600, s%3600/60)
	default:
		return fmt.Sprintf("%dd %dh %dm", s/86400, s%86400/3600, s%3600/60)
	}
}

func (d *Dispatcher) status(ctx context.Context, _ Request) (string, error) {
	stats, err := d.store.InviteStats(ctx)
	if err != nil {
		return "", err
	}
	lines := []string{
		"Spacebot Status",
		"",
		"  Uptime: " + formatUptime(d.now().Sub(d.opt.StartedAt)),
		fmt.Sprintf("  Sync cycles: %d", d.opt.SyncCycles()),
		fmt.Sprintf("  Queue: %d pending, %d processing", d.eng.Queue.Pending(), d.eng.Queue.InFlight()),
		fmt.Sprintf("  Connected rooms: %d", len(d.cli.JoinedRooms())),
		"",
		"Invite Statistics",
		fmt.Sprintf("  Total: %d", stats.Total),
		fmt.Sprintf("  Invited: %d", stats.Invited),
		fmt.Sprintf("  Already joined: %d", stats.AlreadyJoined),
		fmt.Sprintf("  Skipped: %d", stats.Skipped),
		fmt.Sprintf("  Failed: %d", stats.Failed),
	}
	return strings.Join(lines, "\n"), nil
}

/* ---------------- rooms / autoinvite ---------------- */

// groupRules keeps the first-seen order of spaces.
func groupRules(rules []repo.Rule) ([]string, map[string][]repo.Rule) {
	var order []string
	bySpace := make(map[string][]repo.Rule)
	for _, r := range rules {
		if _, ok := bySpace[r.SpaceRoomID]; !ok {
			order = append(order, r.SpaceRoomID)
		}
		bySpace[r.SpaceRoomID] = append(bySpace[r.SpaceRoomID], r)
	}
	return order, bySpace
}

func (d *Dispatcher) rooms(ctx context.Context, _ Request) (string, error) {
	rules, err := d.store.ListRules(ctx)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return d.noRules(), nil
	}
	order, bySpace := groupRules(rules)
	lines := []string{fmt.Sprintf("Configured Rooms (%d rule(s)):", len(rules)), ""}
	for _, space := range order {
		lines = append(lines, "  Space: "+d.roomLabel(ctx, space))
		lines = append(lines, fmt.Sprintf("  Auto-invite rooms (%d):", len(bySpace[space])))
		for _, r := range bySpace[space] {
			lines = append(lines, "    - "+d.roomLabel(ctx, r.TargetRoomID))
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), nil
}

func (d *Dispatcher) autoinvite(ctx context.Context, req Request) (string, error) {
	p := d.opt.Prefix
	if len(req.Args) == 0 {
		return "Usage:\n" +
			"  " + p + "autoinvite add <space> <room>\n" +
			"  " + p + "autoinvite remove <space> <room>\n" +
			"  " + p + "autoinvite list", nil
	}
	switch sub := strings.ToLower(req.Args[0]); sub {
	case "add":
		return d.autoinviteAdd(ctx, req)
	case "remove":
		return d.autoinviteRemove(ctx, req)
	case "list":
		return d.autoinviteList(ctx)
	default:
		return "Unknown subcommand: " + sub + "\nUse add, remove, or list.", nil
	}
}

// resolvePair resolves the space and target arguments of add/remove. A
// non-empty message means the reply should be that message.
func (d *Dispatcher) resolvePair(ctx context.Context, spaceRef, targetRef string) (space, target, msg string) {
	if !validRoomRef(spaceRef, true) {
		return "", "", "Invalid space reference: " + spaceRef + "\nMust be like !room:server, #alias:server or #alias"
	}
	if !validRoomRef(targetRef, true) {
		return "", "", "Invalid room reference: " + targetRef + "\nMust be like !room:server, #alias:server or #alias"
	}
	spaceRef = ExpandAlias(spaceRef, d.opt.ServerName)
	targetRef = ExpandAlias(targetRef, d.opt.ServerName)

	space, err := ResolveRoomRef(ctx, d.cli, spaceRef)
	if err != nil {
		d.log.Warn("resolve space failed", zap.String("ref", spaceRef), zap.Error(err))
		return "", "", "Could not resolve space: " + spaceRef
	}
	target, err = ResolveRoomRef(ctx, d.cli, targetRef)
	if err != nil {
		d.log.Warn("resolve target failed", zap.String("ref", targetRef), zap.Error(err))
		return "", "", "Could not resolve target room: " + targetRef
	}
	d.rememberRef(ctx, space, spaceRef)
	d.rememberRef(ctx, target, targetRef)
	return space, target, ""
}

// rememberRef records an alias reference so joins after a restart still
// go through the alias.
func (d *Dispatcher) rememberRef(ctx context.Context, roomID, ref string) {
	if ref == roomID {
		return
	}
	d.eng.Joiner.SetRef(roomID, ref)
	if err := d.store.SetState(ctx, repo.JoinRefKey(roomID), ref); err != nil {
		d.log.Warn("persist join ref failed", zap.String("room", roomID), zap.Error(err))
	}
}

func (d *Dispatcher) autoinviteAdd(ctx context.Context, req Request) (string, error) {
	if len(req.Args) < 3 {
		return "Usage: " + d.opt.Prefix + "autoinvite add <space> <room>\n" +
			"Example: " + d.opt.Prefix + "autoinvite add #myspace #general", nil
	}
	space, target, msg := d.resolvePair(ctx, req.Args[1], req.Args[2])
	if msg != "" {
		return msg, nil
	}

	created, err := d.store.AddRule(ctx, space, target, req.Sender)
	if err != nil {
		return "", err
	}
	if !created {
		return fmt.Sprintf("Rule already exists: %s -> %s", space, target), nil
	}
	if err := d.eng.Rooms.Refresh(ctx); err != nil {
		d.log.Warn("refresh rooms after add failed", zap.Error(err))
	}
	d.labels.Forget(space)
	d.labels.Forget(target)
	d.eng.Joiner.EnsureJoined(ctx, space)
	d.eng.Joiner.EnsureJoined(ctx, target)

	return "Added autoinvite rule:\n" +
		"  Space: " + d.roomLabel(ctx, space) + "\n" +
		"  Target: " + d.roomLabel(ctx, target) + "\n" +
		"Users joining the space will now be invited to the target room.", nil
}

func (d *Dispatcher) autoinviteRemove(ctx context.Context, req Request) (string, error) {
	if len(req.Args) < 3 {
		return "Usage: " + d.opt.Prefix + "autoinvite remove <space> <room>\n" +
			"Example: " + d.opt.Prefix + "autoinvite remove #myspace #general", nil
	}
	space, target, msg := d.resolvePair(ctx, req.Args[1], req.Args[2])
	if msg != "" {
		return msg, nil
	}
	removed, err := d.store.RemoveRule(ctx, space, target)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("No matching rule found for %s -> %s", space, target), nil
	}
	if err := d.eng.Rooms.Refresh(ctx); err != nil {
		d.log.Warn("refresh rooms after remove failed", zap.Error(err))
	}
	return fmt.Sprintf("Removed autoinvite rule: %s -> %s", space, target), nil
}

func (d *Dispatcher) autoinviteList(ctx context.Context) (string, error) {
	rules, err := d.store.ListRules(ctx)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return d.noRules(), nil
	}
	order, bySpace := groupRules(rules)
	lines := []string{fmt.Sprintf("Autoinvite Rules (%d total):", len(rules)), ""}
	for _, space := range order {
		lines = append(lines, "  Space: "+d.roomLabel(ctx, space))
		lines = append(lines, fmt.Sprintf("  Target rooms (%d):", len(bySpace[space])))
		for _, r := range bySpace[space] {
			who := ""
			if r.AddedBy != "" {
				who = " (added by " + r.AddedBy + ")"
			}
			lines = append(lines, "    - "+d.roomLabel(ctx, r.TargetRoomID)+who)
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), nil
}

/* ---------------- invite / unblock ---------------- */

func (d *Dispatcher) invite(ctx context.Context, req Request) (string, error) {
	p := d.opt.Prefix
	if len(req.Args) == 0 {
		return "Usage: " + p + "invite <user_id> [space_id]\n" +
			"Omit space_id to queue for all configured spaces.\n" +
			"Example: " + p + "invite @alice:matrix.org\n" +
			"Example: " + p + "invite @alice:matrix.org !space:matrix.org", nil
	}
	user := req.Args[0]
	if !ValidUserID(user) {
		return "Invalid user ID format: " + user + "\nMust be like @user:server.com", nil
	}
	source := "manual:" + req.Sender

	if len(req.Args) > 1 {
		ref := req.Args[1]
		if !validRoomRef(ref, true) {
			return "Invalid room ID format: " + ref + "\nMust be like !room_id:server or #alias:server", nil
		}
		space, err := ResolveRoomRef(ctx, d.cli, ExpandAlias(ref, d.opt.ServerName))
		if err != nil {
			return "Could not resolve space: " + ref, nil
		}
		targets, err := d.store.TargetRooms(ctx, space)
		if err != nil {
			return "", err
		}
		if len(targets) == 0 {
			return "No autoinvite rules found for space " + ref, nil
		}
		d.eng.Queue.Enqueue(invite.Task{UserID: user, SpaceID: space, Source: source})
		return fmt.Sprintf("Queued %s for invites to %d room(s) in space %s.", user, len(targets), ref), nil
	}

	spaces, err := d.store.SpaceIDs(ctx)
	if err != nil {
		return "", err
	}
	if len(spaces) == 0 {
		return d.noRules(), nil
	}
	for _, s := range spaces {
		d.eng.Queue.Enqueue(invite.Task{UserID: user, SpaceID: s, Source: source})
	}
	return fmt.Sprintf("Queued %s for invites across %d space(s).", user, len(spaces)), nil
}

func (d *Dispatcher) unblock(ctx context.Context, req Request) (string, error) {
	p := d.opt.Prefix
	if len(req.Args) == 0 {
		return "Usage: " + p + "unblock <user_id> [room_id]\n" +
			"Omit room_id to clear all blocks for the user.\n" +
			"Example: " + p + "unblock @alice:matrix.org\n" +
			"Example: " + p + "unblock @alice:matrix.org !abc:matrix.org", nil
	}
	user := req.Args[0]
	if !ValidUserID(user) {
		return "Invalid user ID format: " + user + "\nMust be like @user:server.com", nil
	}

	room := ""
	if len(req.Args) > 1 {
		ref := req.Args[1]
		if !validRoomRef(ref, false) {
			return "Invalid room ID format: " + ref + "\nMust be like !room_id:server or #alias:server", nil
		}
		id, err := ResolveRoomRef(ctx, d.cli, ref)
		if err != nil {
			return "Could not resolve room: " + ref, nil
		}
		room = id
	}

	removed, err := d.store.RemoveUserBlocks(ctx, user, room)
	if err != nil {
		return "", err
	}
	switch {
	case removed == 0 && room != "":
		return fmt.Sprintf("No block found for %s in %s", user, room), nil
	case removed == 0:
		return "No blocks found for " + user, nil
	case room != "":
		return fmt.Sprintf("Unblocked %s from %s (%d block removed)", user, room, removed), nil
	default:
		return fmt.Sprintf("Removed %d block(s) for %s", removed, user), nil
	}
}
