package store

import (
	"time"

	"github.com/themadorg/amane/internal/address"
)

// TenantStatus is the administrative state of a tenant.
type TenantStatus string

const (
	TenantEnabled  TenantStatus = "enabled"
	TenantDisabled TenantStatus = "disabled"
)

// MLStatus is the lifecycle state of a mailing list. Lists advance
// new → open → orphaned → closed; the only permitted back-edge is a
// reopen to open.
type MLStatus string

const (
	StatusNew      MLStatus = "new"
	StatusOpen     MLStatus = "open"
	StatusOrphaned MLStatus = "orphaned"
	StatusClosed   MLStatus = "closed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s MLStatus) Valid() bool {
	switch s {
	case StatusNew, StatusOpen, StatusOrphaned, StatusClosed:
		return true
	}
	return false
}

// Log operation names as persisted in document logs.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpAddMembers = "add_members"
	OpDelMembers = "delete_members"
	OpReopen     = "open"
	OpOrphan     = "orphan"
	OpClose      = "close"
	OpPost       = "post"
)

// opForStatus maps a target status to the log operation recorded for the
// transition into it.
var opForStatus = map[MLStatus]string{
	StatusOpen:     OpReopen,
	StatusOrphaned: OpOrphan,
	StatusClosed:   OpClose,
}

// ActorCLI is the sentinel actor used by the administrative CLI. It bypasses
// the admin check on tenant updates.
const ActorCLI = "CLI"

// LogEntry is one record of a document's append-only operation log.
type LogEntry struct {
	Op      string         `json:"op"`
	By      string         `json:"by"`
	TS      time.Time      `json:"ts"`
	Members []string       `json:"members,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Tenant is the administrative unit owning a pool of mailing lists. The
// yaml tags shape the CLI's show output.
type Tenant struct {
	TenantName   string       `gorm:"primaryKey;column:tenant_name" yaml:"tenant_name"`
	Status       TenantStatus `gorm:"column:status" yaml:"status"`
	Admins       []string     `gorm:"column:admins;serializer:json" yaml:"admins"`
	Charset      string       `gorm:"column:charset" yaml:"charset"`
	MLNameFormat string       `gorm:"column:ml_name_format" yaml:"ml_name_format"`
	NewMLAccount string       `gorm:"column:new_ml_account;uniqueIndex" yaml:"new_ml_account"`
	DaysToOrphan int          `gorm:"column:days_to_orphan" yaml:"days_to_orphan"`
	DaysToClose  int          `gorm:"column:days_to_close" yaml:"days_to_close"`

	WelcomeMsg string `gorm:"column:welcome_msg" yaml:"welcome_msg"`
	ReadmeMsg  string `gorm:"column:readme_msg" yaml:"readme_msg"`
	AddMsg     string `gorm:"column:add_msg" yaml:"add_msg"`
	RemoveMsg  string `gorm:"column:remove_msg" yaml:"remove_msg"`
	ReopenMsg  string `gorm:"column:reopen_msg" yaml:"reopen_msg"`
	GoodbyeMsg string `gorm:"column:goodbye_msg" yaml:"goodbye_msg"`

	ReportSubject   string `gorm:"column:report_subject" yaml:"report_subject"`
	ReportMsg       string `gorm:"column:report_msg" yaml:"report_msg"`
	OrphanedSubject string `gorm:"column:orphaned_subject" yaml:"orphaned_subject"`
	OrphanedMsg     string `gorm:"column:orphaned_msg" yaml:"orphaned_msg"`
	ClosedSubject   string `gorm:"column:closed_subject" yaml:"closed_subject"`
	ClosedMsg       string `gorm:"column:closed_msg" yaml:"closed_msg"`

	Counter int64      `gorm:"column:counter" yaml:"counter"`
	By      string     `gorm:"column:by" yaml:"by"`
	Created time.Time  `gorm:"column:created" yaml:"created"`
	Updated time.Time  `gorm:"column:updated" yaml:"updated"`
	Logs    []LogEntry `gorm:"column:logs;serializer:json" yaml:"logs,omitempty"`
}

// AdminSet returns the tenant's admin addresses as a set.
func (t *Tenant) AdminSet() address.Set {
	return address.NewSet(t.Admins...)
}

// MemberSet returns the list membership as a set.
func (m *MailingList) MemberSet() address.Set {
	return address.NewSet(m.Members...)
}

// MailingList is a single ephemeral list. The tenant back-reference never
// changes after creation.
type MailingList struct {
	MLName     string     `gorm:"primaryKey;column:ml_name"`
	TenantName string     `gorm:"column:tenant_name;index"`
	Subject    string     `gorm:"column:subject"`
	Members    []string   `gorm:"column:members;serializer:json"`
	Status     MLStatus   `gorm:"column:status;index"`
	By         string     `gorm:"column:by"`
	Created    time.Time  `gorm:"column:created"`
	Updated    time.Time  `gorm:"column:updated"`
	Logs       []LogEntry `gorm:"column:logs;serializer:json"`
}

// TableName keeps the collection names from the data model ("tenant", "ml").
func (Tenant) TableName() string { return "tenant" }

func (MailingList) TableName() string { return "ml" }
