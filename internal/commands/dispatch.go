// Package commands implements the chat commands moderators use to manage
// auto-invite rules, the blocklist and manual invites.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/invite"
	"github.com/hellerschmid/spacebot/internal/labelcache"
	"github.com/hellerschmid/spacebot/internal/matrix"
	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/repo"
)

// Client is the part of the homeserver client commands need.
type Client interface {
	SendNotice(ctx context.Context, roomID, body string) error
	PowerLevels(ctx context.Context, roomID string) (*matrix.PowerLevels, error)
	ResolveAlias(ctx context.Context, alias string) (string, error)
	RoomName(ctx context.Context, roomID string) (string, error)
	CanonicalAlias(ctx context.Context, roomID string) (string, error)
	JoinedRooms() []string
}

type Store interface {
	AddRule(ctx context.Context, spaceID, targetID, addedBy string) (bool, error)
	RemoveRule(ctx context.Context, spaceID, targetID string) (bool, error)
	ListRules(ctx context.Context) ([]repo.Rule, error)
	SpaceIDs(ctx context.Context) ([]string, error)
	TargetRooms(ctx context.Context, spaceID string) ([]string, error)
	RemoveUserBlocks(ctx context.Context, userID, roomID string) (int64, error)
	InviteStats(ctx context.Context) (repo.InviteStats, error)
	SetState(ctx context.Context, key, value string) error
}

type Options struct {
	Prefix        string
	MinPowerLevel int
	// ServerName expands #alias shorthands.
	ServerName string
	StartedAt  time.Time
	// SyncCycles reports completed sync cycles for status.
	SyncCycles func() int64
	// LabelTTL bounds how long room labels are cached.
	LabelTTL time.Duration
}

// Request is one parsed command invocation.
type Request struct {
	RoomID string
	Sender string
	Name   string
	Args   []string
}

type command struct {
	name        string
	description string
	usage       string
	public      bool
	run         func(ctx context.Context, req Request) (string, error)
}

type Dispatcher struct {
	cli   Client
	store Store
	eng   *invite.Engine
	opt   Options
	log   *zap.Logger
	now   func() time.Time

	labels *labelcache.Cache
	cmds   map[string]*command
}

func New(cli Client, store Store, eng *invite.Engine, log *zap.Logger, opt Options) *Dispatcher {
	if opt.Prefix == "" {
		opt.Prefix = "!!"
	}
	if opt.StartedAt.IsZero() {
		opt.StartedAt = time.Now()
	}
	if opt.SyncCycles == nil {
		opt.SyncCycles = func() int64 { return 0 }
	}
	d := &Dispatcher{
		cli:    cli,
		store:  store,
		eng:    eng,
		opt:    opt,
		log:    log.Named("commands"),
		now:    time.Now,
		labels: labelcache.New(opt.LabelTTL),
		cmds:   make(map[string]*command),
	}
	d.register()
	return d
}

func (d *Dispatcher) add(c *command) { d.cmds[c.name] = c }

// Handle is installed as the router's command callback and replies in the
// room the command came from.
func (d *Dispatcher) Handle(ctx context.Context, ev invite.Event) {
	reply := d.Dispatch(ctx, ev.RoomID, ev.Sender, ev.Body)
	if reply == "" {
		return
	}
	if err := d.cli.SendNotice(ctx, ev.RoomID, reply); err != nil {
		d.log.Warn("send reply failed", zap.String("room", ev.RoomID), zap.Error(err))
	}
}

// Dispatch runs the command in body and returns the reply text. Bodies
// without the prefix produce no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID, sender, body string) string {
	body = strings.TrimSpace(body)
	payload, ok := strings.CutPrefix(body, d.opt.Prefix)
	if !ok {
		return ""
	}

	name, args, err := parse(payload)
	if err != nil {
		metrics.CommandsHandled.WithLabelValues("invalid", "rejected").Inc()
		d.log.Info("rejected command", zap.String("room", roomID), zap.String("sender", sender), zap.Error(err))
		return "Invalid command format. Use printable ASCII: " + d.opt.Prefix + "command [args]"
	}

	cmd, ok := d.cmds[name]
	if !ok {
		metrics.CommandsHandled.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Sprintf("Unknown command: %s%s. Try %shelp", d.opt.Prefix, name, d.opt.Prefix)
	}

	if !cmd.public && !d.authorized(ctx, sender, roomID) {
		metrics.CommandsHandled.WithLabelValues(name, "denied").Inc()
		d.log.Info("command denied", zap.String("command", name), zap.String("sender", sender), zap.String("room", roomID))
		return fmt.Sprintf("Not authorized. Moderator/admin required (power level >= %d).", d.opt.MinPowerLevel)
	}

	d.log.Info("command", zap.String("command", name), zap.String("sender", sender), zap.String("room", roomID), zap.Strings("args", args))
	reply, err := cmd.run(ctx, Request{RoomID: roomID, Sender: sender, Name: name, Args: args})
	if err != nil {
		metrics.CommandsHandled.WithLabelValues(name, "error").Inc()
		d.log.Error("command failed", zap.String("command", name), zap.Error(err))
		return fmt.Sprintf("Error executing %s%s: %v", d.opt.Prefix, name, err)
	}
	metrics.CommandsHandled.WithLabelValues(name, "ok").Inc()
	return reply
}

// authorized checks the sender's power level in the command room and in
// every configured space; any one at or above the minimum is enough.
func (d *Dispatcher) authorized(ctx context.Context, sender, roomID string) bool {
	rooms := []string{roomID}
	if spaces, err := d.store.SpaceIDs(ctx); err != nil {
		d.log.Warn("load spaces for authorization failed", zap.Error(err))
	} else {
		rooms = append(rooms, spaces...)
	}

	seen := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		pl, err := d.cli.PowerLevels(ctx, r)
		if err != nil {
			d.log.Debug("power levels unavailable", zap.String("room", r), zap.Error(err))
			continue
		}
		if pl.UserLevel(sender) >= d.opt.MinPowerLevel {
			return true
		}
	}
	return false
}

func (d *Dispatcher) names() []string {
	out := make([]string, 0, len(d.cmds))
	for n := range d.cmds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
