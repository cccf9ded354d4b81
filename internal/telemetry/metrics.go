package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Common metric attribute keys
const (
	AttrLockMode   = "lock.mode" // read, write
	AttrEntityType = "entity.type"
	AttrTxnOutcome = "txn.outcome" // ok, error
	AttrLoginCause = "login.reason"

	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"
)

// LockMetrics holds instruments for the per-node lock manager.
// All Record methods are safe on a nil receiver.
type LockMetrics struct {
	Grants      metric.Int64Counter
	Conflicts   metric.Int64Counter
	Expirations metric.Int64Counter
}

// NewLockMetrics creates the lock instruments on the global meter provider.
func NewLockMetrics() (*LockMetrics, error) {
	meter := otel.Meter("spine/lock")

	grants, err := meter.Int64Counter(
		"lock.grant.count",
		metric.WithDescription("Locks granted, including upgrades"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"lock.conflict.count",
		metric.WithDescription("Lock requests rejected because another holder owns the lock"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return nil, err
	}

	expirations, err := meter.Int64Counter(
		"lock.expiration.count",
		metric.WithDescription("Leases that expired before unlock"),
		metric.WithUnit("{lease}"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		Grants:      grants,
		Conflicts:   conflicts,
		Expirations: expirations,
	}, nil
}

func (m *LockMetrics) RecordGrant(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.Grants.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLockMode, mode)))
}

func (m *LockMetrics) RecordConflict(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLockMode, mode)))
}

func (m *LockMetrics) RecordExpiration(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.Expirations.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLockMode, mode)))
}

// TxnMetrics holds instruments for transaction outcomes.
type TxnMetrics struct {
	Commits        metric.Int64Counter
	Rollbacks      metric.Int64Counter
	CommitDuration metric.Float64Histogram
}

// NewTxnMetrics creates the transaction instruments.
func NewTxnMetrics() (*TxnMetrics, error) {
	meter := otel.Meter("spine/txn")

	commits, err := meter.Int64Counter(
		"txn.commit.count",
		metric.WithDescription("Commit attempts by outcome"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter(
		"txn.rollback.count",
		metric.WithDescription("Transactions rolled back"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"txn.commit.duration",
		metric.WithDescription("Time spent persisting a commit"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		Commits:        commits,
		Rollbacks:      rollbacks,
		CommitDuration: duration,
	}, nil
}

func (m *TxnMetrics) RecordCommit(ctx context.Context, durationMs float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String(AttrTxnOutcome, outcome))
	m.Commits.Add(ctx, 1, attrs)
	m.CommitDuration.Record(ctx, durationMs, attrs)
}

func (m *TxnMetrics) RecordRollback(ctx context.Context) {
	if m == nil {
		return
	}
	m.Rollbacks.Add(ctx, 1)
}

// SessionMetrics tracks live sessions and rejected logins.
type SessionMetrics struct {
	Active        metric.Int64UpDownCounter
	LoginFailures metric.Int64Counter
}

// NewSessionMetrics creates the session instruments.
func NewSessionMetrics() (*SessionMetrics, error) {
	meter := otel.Meter("spine/session")

	active, err := meter.Int64UpDownCounter(
		"session.active",
		metric.WithDescription("Number of authenticated sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"login.failure.count",
		metric.WithDescription("Rejected login attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{Active: active, LoginFailures: failures}, nil
}

func (m *SessionMetrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.Active.Add(ctx, 1)
}

func (m *SessionMetrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.Active.Add(ctx, -1)
}

func (m *SessionMetrics) RecordLoginFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.LoginFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLoginCause, reason)))
}

// ServerMetrics holds metric instruments for HTTP server telemetry.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
}

// NewServerMetrics creates the HTTP instruments.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("spine/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.String(AttrHTTPStatusCode, status),
	)

	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, durationMs, attrs)

	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}
