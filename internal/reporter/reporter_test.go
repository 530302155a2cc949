package reporter

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/relay/relaytest"
	"github.com/themadorg/amane/internal/store"
	"github.com/themadorg/amane/internal/store/storetest"
)

const testDomain = "lists.example.net"

const reportTemplate = `New lists:
{{range .new}}- {{.ml_name}} {{.subject}} ({{.updated}})
{{end}}Open lists:
{{range .open}}- {{.ml_name}}
{{end}}Orphaned lists:
{{range .orphaned}}- {{.ml_name}}
{{end}}Recently closed:
{{range .closed}}- {{.ml_name}}
{{end}}`

func TestReport(t *testing.T) {
	fake := storetest.New()
	capture := &relaytest.Capture{}
	now := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

	fake.PutTenant(store.Tenant{
		TenantName:    "tenant1",
		Status:        store.TenantEnabled,
		Admins:        []string{"admin@example.com"},
		Charset:       "utf-8",
		DaysToClose:   7,
		ReportSubject: "weekly digest",
		ReportMsg:     reportTemplate,
	})

	put := func(name string, status store.MLStatus, updated time.Time) {
		fake.PutML(store.MailingList{
			MLName:     name,
			TenantName: "tenant1",
			Subject:    "hello " + name,
			Status:     status,
			Members:    []string{"a@example.com"},
			Created:    updated,
			Updated:    updated,
		})
	}
	put("ml-000001", store.StatusNew, now.Add(-time.Hour))
	put("ml-000002", store.StatusOpen, now.Add(-2*time.Hour))
	put("ml-000003", store.StatusOrphaned, now.Add(-3*time.Hour))
	put("ml-000004", store.StatusClosed, now.Add(-24*time.Hour))
	// Closed outside the window: excluded.
	put("ml-000005", store.StatusClosed, now.Add(-10*24*time.Hour))

	r := &Reporter{Store: fake, Relay: capture, Domain: testDomain, Log: zap.NewNop(),
		Now: func() time.Time { return now }}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := capture.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d reports, want 1", len(sent))
	}
	if want := "amane-error@" + testDomain; sent[0].From != want {
		t.Errorf("envelope sender = %s, want %s", sent[0].From, want)
	}
	if len(sent[0].Rcpts) != 1 || sent[0].Rcpts[0] != "admin@example.com" {
		t.Errorf("recipients = %v, want the admins", sent[0].Rcpts)
	}

	data := string(sent[0].Data)
	if !strings.Contains(data, "Subject: weekly digest") {
		t.Errorf("report subject missing:\n%s", data)
	}
	// The body is base64-encoded; only the headers are checked here.
	if !strings.Contains(data, "To: admin@example.com") {
		t.Errorf("To header wrong:\n%s", data)
	}
}

func TestConvertStripsSubseconds(t *testing.T) {
	ml := store.MailingList{
		MLName:  "ml-000001",
		Created: time.Date(2020, 6, 1, 10, 30, 15, 987654321, time.UTC),
		Updated: time.Date(2020, 6, 1, 11, 0, 59, 123, time.UTC),
	}
	got := convert(&ml)
	if got["created"] != "2020-06-01 10:30:15" {
		t.Errorf("created = %v", got["created"])
	}
	if got["updated"] != "2020-06-01 11:00:59" {
		t.Errorf("updated = %v", got["updated"])
	}
}

func TestDisabledTenantNotReported(t *testing.T) {
	fake := storetest.New()
	capture := &relaytest.Capture{}
	fake.PutTenant(store.Tenant{
		TenantName: "tenant1",
		Status:     store.TenantDisabled,
		Admins:     []string{"admin@example.com"},
	})

	r := &Reporter{Store: fake, Relay: capture, Domain: testDomain, Log: zap.NewNop()}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(capture.Sent()) != 0 {
		t.Errorf("disabled tenant got %d reports", len(capture.Sent()))
	}
}
