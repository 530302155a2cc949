// Package store is the façade over the document store. Two collections,
// tenant (keyed by tenant_name) and ml (keyed by ml_name), each embed an
// append-only operation log. Every operation is atomic at the granularity of
// a single document.
//
// Uniqueness violations and missing-record lookups are non-fatal: they are
// surfaced as sentinel errors or nil results for the caller to map to policy.
// Underlying I/O errors are returned as-is and abort the current request.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/themadorg/amane/internal/address"
)

var (
	// ErrExists reports a uniqueness collision on tenant_name, ml_name or
	// new_ml_account. The colliding operation was a no-op.
	ErrExists = errors.New("store: record already exists")

	// ErrNotFound reports a missing record on a mutation. Read paths
	// return nil instead.
	ErrNotFound = errors.New("store: no such record")

	// ErrNotAdmin reports a tenant update attempted by an actor that is
	// neither a tenant admin nor the CLI sentinel.
	ErrNotAdmin = errors.New("store: not a tenant admin")
)

// Op is a comparison operator usable in find filters.
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpNe  Op = "ne"
)

// Cond is one condition of a find filter. A zero Op means equality.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions.
type Filter []Cond

// Eq is shorthand for an equality condition.
func Eq(field string, value any) Cond { return Cond{Field: field, Op: OpEq, Value: value} }

// TenantConfig carries every tenant field settable at creation.
type TenantConfig struct {
	Status       TenantStatus
	Admins       address.Set
	Charset      string
	MLNameFormat string
	NewMLAccount string
	DaysToOrphan int
	DaysToClose  int

	WelcomeMsg string
	ReadmeMsg  string
	AddMsg     string
	RemoveMsg  string
	ReopenMsg  string
	GoodbyeMsg string

	ReportSubject   string
	ReportMsg       string
	OrphanedSubject string
	OrphanedMsg     string
	ClosedSubject   string
	ClosedMsg       string
}

// TenantPatch is a partial tenant update; only set fields are applied.
// Immutable fields (tenant_name, created, logs) have no representation here.
type TenantPatch struct {
	Status       *TenantStatus
	Admins       address.Set
	Charset      *string
	MLNameFormat *string
	NewMLAccount *string
	DaysToOrphan *int
	DaysToClose  *int

	WelcomeMsg *string
	ReadmeMsg  *string
	AddMsg     *string
	RemoveMsg  *string
	ReopenMsg  *string
	GoodbyeMsg *string

	ReportSubject   *string
	ReportMsg       *string
	OrphanedSubject *string
	OrphanedMsg     *string
	ClosedSubject   *string
	ClosedMsg       *string
}

// Store is the operation set shared by the ingress handler, the reviewer,
// the reporter and the CLI. Implementations must keep each operation atomic
// per document; cross-document sequences are allowed to race.
type Store interface {
	CreateTenant(ctx context.Context, name, by string, cfg TenantConfig) error
	UpdateTenant(ctx context.Context, name, by string, patch TenantPatch) error
	DeleteTenant(ctx context.Context, name string) error
	GetTenant(ctx context.Context, name string) (*Tenant, error)
	FindTenants(ctx context.Context, f Filter, sortKey string, desc bool) ([]Tenant, error)

	// IncrementCounter is an atomic fetch-and-add on the tenant counter
	// and the sole linearization point for list-name uniqueness.
	IncrementCounter(ctx context.Context, tenant string) (int64, error)

	CreateML(ctx context.Context, tenant, mlName, subject string, members address.Set, by string) error
	GetML(ctx context.Context, mlName string) (*MailingList, error)
	FindMLs(ctx context.Context, f Filter, sortKey string, desc bool) ([]MailingList, error)
	ChangeMLStatus(ctx context.Context, mlName string, status MLStatus, by string) error
	AddMembers(ctx context.Context, mlName string, members address.Set, by string) error
	DelMembers(ctx context.Context, mlName string, members address.Set, by string) error

	// GetMembers returns nil iff the list does not exist.
	GetMembers(ctx context.Context, mlName string) (address.Set, error)

	MarkMLsOrphaned(ctx context.Context, cutoff time.Time, by string) error
	MarkMLsClosed(ctx context.Context, cutoff time.Time, by string) error

	LogPost(ctx context.Context, mlName string, members address.Set, by string) error
	GetLogs(ctx context.Context, mlName string) ([]LogEntry, error)
}
