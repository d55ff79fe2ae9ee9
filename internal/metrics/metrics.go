package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_events_consumed_total",
		Help: "Total transport events handed to classification.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_events_duplicate_total",
		Help: "Total events dropped because their id was already seen.",
	})
	StaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_events_stale_total",
		Help: "Total events ignored because they predate session startup.",
	})
	SeenStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_seen_store_errors_total",
		Help: "Total seen-event lookups or writes that failed.",
	})

	Enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_queue_enqueued_total",
		Help: "Total invite tasks accepted into the queue.",
	})
	EnqueueDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_queue_deduped_total",
		Help: "Total enqueue attempts ignored because the task was already queued or processing.",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spacebot_queue_depth",
		Help: "Invite tasks waiting in the queue.",
	})
	Processing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spacebot_queue_processing",
		Help: "Invite tasks currently being processed (0 or 1).",
	})

	InviteOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacebot_invite_outcomes_total",
		Help: "Invite outcomes by result.",
	}, []string{"result"})
	RateLimitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_invite_rate_limit_retries_total",
		Help: "Total invite retries after a rate-limit response.",
	})
	AcceptanceTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_invite_acceptance_timeouts_total",
		Help: "Total tasks aborted because an invite was not accepted in time.",
	})
	JoinFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_room_join_failures_total",
		Help: "Total failed attempts by the bot to join a configured room.",
	})

	ReconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_reconcile_runs_total",
		Help: "Total reconciliation sweeps.",
	})
	MembershipFetchFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_membership_fetch_fail_total",
		Help: "Total joined-member fetch failures.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_breaker_open_total",
		Help: "Total times the membership fetch breaker opened for a room.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_breaker_drop_total",
		Help: "Total membership fetches skipped because the breaker was open.",
	})

	SyncCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_sync_cycles_total",
		Help: "Total successful sync cycles.",
	})
	SyncFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_sync_fail_total",
		Help: "Total failed sync requests.",
	})
	CommandsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spacebot_commands_total",
		Help: "Admin commands by name and outcome.",
	}, []string{"command", "outcome"})

	AuditForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_audit_forwarded_total",
		Help: "Total invite audit records published to MQ.",
	})
	AuditForwardFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_audit_forward_fail_total",
		Help: "Total failed audit record publishes.",
	})
	SeenPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacebot_seen_pruned_total",
		Help: "Total seen events deleted by the prune job.",
	})
)

func Register() {
	prometheus.MustRegister(
		EventsConsumed, Duplicates, StaleEvents, SeenStoreErrors,
		Enqueued, EnqueueDeduped, QueueDepth, Processing,
		InviteOutcomes, RateLimitRetries, AcceptanceTimeouts, JoinFailures,
		ReconcileRuns, MembershipFetchFail, BreakerOpen, BreakerDrop,
		SyncCycles, SyncFail, CommandsHandled,
		AuditForwarded, AuditForwardFail, SeenPruned,
	)
}
