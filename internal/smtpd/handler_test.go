package smtpd

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/relay/relaytest"
	"github.com/themadorg/amane/internal/store"
	"github.com/themadorg/amane/internal/store/storetest"
)

const testDomain = "lists.example.net"

func newTestHandler() (*Handler, *storetest.Fake, *relaytest.Capture) {
	fake := storetest.New()
	capture := &relaytest.Capture{}
	h := &Handler{
		Store:  fake,
		Relay:  capture,
		Domain: testDomain,
		Log:    zap.NewNop(),
	}
	return h, fake, capture
}

func seedTenant(fake *storetest.Fake) {
	fake.PutTenant(store.Tenant{
		TenantName:   "tenant1",
		Status:       store.TenantEnabled,
		Admins:       []string{"admin@example.com"},
		Charset:      "utf-8",
		MLNameFormat: "ml-%06d",
		NewMLAccount: "new",
		DaysToOrphan: 7,
		DaysToClose:  7,
		WelcomeMsg:   "Welcome to {{.ml_name}}.",
		ReadmeMsg:    "Post to {{.ml_address}}.",
		AddMsg:       "Added {{range .cc}}{{.}} {{end}}",
		RemoveMsg:    "Removed {{range .cc}}{{.}} {{end}}",
		ReopenMsg:    "Reopened {{.ml_name}}.",
		GoodbyeMsg:   "Goodbye from {{.ml_name}}.",
	})
}

func seedML(fake *storetest.Fake, name string, status store.MLStatus, members ...string) {
	fake.PutML(store.MailingList{
		MLName:     name,
		TenantName: "tenant1",
		Subject:    "greetings",
		Members:    members,
		Status:     status,
	})
}

func rawMsg(from, to, cc, subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	if cc != "" {
		fmt.Fprintf(&sb, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

func lastLogOp(t *testing.T, fake *storetest.Fake, mlName string) string {
	t.Helper()
	logs, _ := fake.GetLogs(context.Background(), mlName)
	if len(logs) == 0 {
		t.Fatalf("no logs for %s", mlName)
	}
	return logs[len(logs)-1].Op
}

func TestCreateList(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "new@"+testDomain, "", "Hello", "hi"))
	if rep != nil {
		t.Fatalf("Process returned %v, want success", rep)
	}

	ml := fake.ML("ml-000001")
	if ml == nil {
		t.Fatal("list ml-000001 was not created")
	}
	if ml.Status != store.StatusNew {
		t.Errorf("status = %s, want new", ml.Status)
	}
	if ml.Subject != "Hello" {
		t.Errorf("subject = %q, want Hello", ml.Subject)
	}
	if !reflect.DeepEqual(ml.Members, []string{"a@example.com"}) {
		t.Errorf("members = %v, want [a@example.com]", ml.Members)
	}

	sent := capture.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if want := "ml-000001-error@" + testDomain; sent[0].From != want {
		t.Errorf("envelope sender = %s, want %s", sent[0].From, want)
	}
	if !reflect.DeepEqual(sent[0].Rcpts, []string{"a@example.com", "admin@example.com"}) {
		t.Errorf("recipients = %v", sent[0].Rcpts)
	}
	data := string(sent[0].Data)
	if !strings.Contains(data, "Subject: [ml-000001] Hello") {
		t.Errorf("outbound subject not prefixed:\n%s", data)
	}
	if !strings.Contains(data, "Welcome.txt") {
		t.Errorf("welcome part missing:\n%s", data)
	}
	if !strings.Contains(data, "To: ml-000001@"+testDomain) {
		t.Errorf("To not rewritten:\n%s", data)
	}
}

func TestCounterAdvances(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)

	for i := 1; i <= 3; i++ {
		rep := h.Process(context.Background(), "a@example.com", nil,
			rawMsg("a@example.com", "new@"+testDomain, "", "Hello", "hi"))
		if rep != nil {
			t.Fatalf("seed mail %d rejected: %v", i, rep)
		}
		name := fmt.Sprintf("ml-%06d", i)
		if fake.ML(name) == nil {
			t.Errorf("list %s was not created", name)
		}
	}
}

func TestCounterUniqueUnderContention(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep := h.Process(context.Background(), "a@example.com", nil,
				rawMsg("a@example.com", "new@"+testDomain, "", "Hello", "hi"))
			if rep != nil {
				t.Errorf("concurrent seed mail rejected: %v", rep)
			}
		}()
	}
	wg.Wait()

	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("ml-%06d", i)
		if fake.ML(name) == nil {
			t.Errorf("list %s missing after %d concurrent seeds", name, n)
		}
	}
}

func TestAdminsNeverMembers(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "new@"+testDomain, "admin@example.com, b@example.com", "Hello", "hi"))
	if rep != nil {
		t.Fatalf("Process returned %v", rep)
	}
	ml := fake.ML("ml-000001")
	if ml == nil {
		t.Fatal("list not created")
	}
	for _, m := range ml.Members {
		if m == "admin@example.com" {
			t.Errorf("admin ended up a member: %v", ml.Members)
		}
	}
}

func TestNoMLSpecified(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "someone@elsewhere.example.org", "", "Hello", "hi"))
	if rep == nil || rep.Code != 550 || rep.Message != "No ML specified" {
		t.Fatalf("reply = %v, want 550 No ML specified", rep)
	}
	if len(capture.Sent()) != 0 {
		t.Error("rejected message was relayed")
	}
}

func TestCrossPostRejected(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-1", store.StatusOpen, "a@example.com")
	seedML(fake, "ml-2", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-1@"+testDomain+", ml-2@"+testDomain, "", "Hello", "hi"))
	if rep == nil || rep.Message != "Can't cross-post a message" {
		t.Fatalf("reply = %v, want cross-post rejection", rep)
	}
	if len(capture.Sent()) != 0 {
		t.Error("rejected message was relayed")
	}
	if got := fake.ML("ml-1").Status; got != store.StatusOpen {
		t.Errorf("ml-1 status mutated to %s", got)
	}
}

func TestNoSuchML(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-999999@"+testDomain, "", "Hello", "hi"))
	if rep == nil || rep.Message != "No such ML" {
		t.Fatalf("reply = %v, want 550 No such ML", rep)
	}
}

func TestDisabledTenant(t *testing.T) {
	h, fake, _ := newTestHandler()
	fake.PutTenant(store.Tenant{
		TenantName:   "tenant1",
		Status:       store.TenantDisabled,
		Admins:       []string{"admin@example.com"},
		MLNameFormat: "ml-%06d",
		NewMLAccount: "new",
	})
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "Hello", "hi"))
	if rep == nil || rep.Message != "No such tenant" {
		t.Fatalf("reply = %v, want 550 No such tenant", rep)
	}
}

func TestNonMemberRejected(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "stranger@example.com", nil,
		rawMsg("stranger@example.com", "ml-000010@"+testDomain, "", "Hello", "hi"))
	if rep == nil || rep.Message != "Not member" {
		t.Fatalf("reply = %v, want 550 Not member", rep)
	}
}

func TestAdminMayPost(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "admin@example.com", nil,
		rawMsg("admin@example.com", "ml-000010@"+testDomain, "", "Hello", "hi"))
	if rep != nil {
		t.Fatalf("admin post rejected: %v", rep)
	}
	if len(capture.Sent()) != 1 {
		t.Fatalf("sent %d messages, want 1", len(capture.Sent()))
	}
}

func TestPlainPost(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com", "b@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "news", "hi all"))
	if rep != nil {
		t.Fatalf("post rejected: %v", rep)
	}
	sent := capture.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	want := []string{"a@example.com", "admin@example.com", "b@example.com"}
	if !reflect.DeepEqual(sent[0].Rcpts, want) {
		t.Errorf("recipients = %v, want %v", sent[0].Rcpts, want)
	}
	if !strings.Contains(string(sent[0].Data), "Readme.txt") {
		t.Error("readme part missing")
	}
	if got := lastLogOp(t, fake, "ml-000010"); got != store.OpPost {
		t.Errorf("last log op = %s, want post", got)
	}
}

func TestFirstPostOpensNewList(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusNew, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "news", "hi"))
	if rep != nil {
		t.Fatalf("post rejected: %v", rep)
	}
	if got := fake.ML("ml-000010").Status; got != store.StatusOpen {
		t.Errorf("status = %s, want open", got)
	}
}

func TestAddViaCc(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "b@example.com", "hi", "body"))
	if rep != nil {
		t.Fatalf("post rejected: %v", rep)
	}
	ml := fake.ML("ml-000010")
	if !reflect.DeepEqual(ml.Members, []string{"a@example.com", "b@example.com"}) {
		t.Errorf("members = %v", ml.Members)
	}
	sent := capture.Sent()
	if len(sent) != 1 || !strings.Contains(string(sent[0].Data), "AddMembers.txt") {
		t.Errorf("add notice missing")
	}
	// The new member receives the notice.
	found := false
	for _, r := range sent[0].Rcpts {
		if r == "b@example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("new member not among recipients: %v", sent[0].Rcpts)
	}
}

func TestRemoveViaEmptySubject(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com", "c@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "c@example.com", "", "body"))
	if rep != nil {
		t.Fatalf("post rejected: %v", rep)
	}
	ml := fake.ML("ml-000010")
	if !reflect.DeepEqual(ml.Members, []string{"a@example.com"}) {
		t.Errorf("members = %v, want [a@example.com]", ml.Members)
	}
	sent := capture.Sent()
	if len(sent) != 1 || !strings.Contains(string(sent[0].Data), "RemoveMembers.txt") {
		t.Fatal("remove notice missing")
	}
	// The notice still reaches the removed member; nothing after it does.
	found := false
	for _, r := range sent[0].Rcpts {
		if r == "c@example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("removed member missed the notice: %v", sent[0].Rcpts)
	}
}

func TestEmptySubjectNoCcIsNoop(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "", "body"))
	if rep != nil {
		t.Fatalf("reply = %v, want success", rep)
	}
	if len(capture.Sent()) != 0 {
		t.Error("no-op message was relayed")
	}
	if !reflect.DeepEqual(fake.ML("ml-000010").Members, []string{"a@example.com"}) {
		t.Error("membership changed on no-op")
	}
}

func TestCloseAndReopen(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	// Commands are matched case-insensitively.
	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "CLOSE", "bye"))
	if rep != nil {
		t.Fatalf("close rejected: %v", rep)
	}
	if got := fake.ML("ml-000010").Status; got != store.StatusClosed {
		t.Fatalf("status = %s, want closed", got)
	}
	if !strings.Contains(string(capture.Sent()[0].Data), "Goodbye.txt") {
		t.Error("goodbye part missing")
	}

	rep = h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "Anything", "hi"))
	if rep == nil || rep.Message != "ML is closed" {
		t.Fatalf("reply = %v, want 550 ML is closed", rep)
	}

	rep = h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "reopen", "hi"))
	if rep != nil {
		t.Fatalf("reopen rejected: %v", rep)
	}
	if got := fake.ML("ml-000010").Status; got != store.StatusOpen {
		t.Errorf("status = %s, want open", got)
	}
	// Membership and subject survive the round trip.
	ml := fake.ML("ml-000010")
	if !reflect.DeepEqual(ml.Members, []string{"a@example.com"}) || ml.Subject != "greetings" {
		t.Errorf("close/reopen altered the document: %v %q", ml.Members, ml.Subject)
	}
}

func TestCommandStripsReplyPrefixes(t *testing.T) {
	h, fake, _ := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com")

	rep := h.Process(context.Background(), "a@example.com", nil,
		rawMsg("a@example.com", "ml-000010@"+testDomain, "", "Re: [ml-000010] close", "bye"))
	if rep != nil {
		t.Fatalf("close rejected: %v", rep)
	}
	if got := fake.ML("ml-000010").Status; got != store.StatusClosed {
		t.Errorf("status = %s, want closed", got)
	}
}

func TestBounceSuppression(t *testing.T) {
	h, fake, capture := newTestHandler()
	seedTenant(fake)
	seedML(fake, "ml-000010", store.StatusOpen, "a@example.com", "b@example.com")
	before := fake.ML("ml-000010").Members

	var sb strings.Builder
	sb.WriteString("From: mailer-daemon@relay.example.org\r\n")
	sb.WriteString("To: ml-000010-error@" + testDomain + "\r\n")
	sb.WriteString("Subject: Undelivered Mail\r\n")
	sb.WriteString("Original-Recipient: rfc822;b@example.com\r\n")
	sb.WriteString("\r\nbounce\r\n")

	rep := h.Process(context.Background(), "", nil, []byte(sb.String()))
	if rep != nil {
		t.Fatalf("bounce handling replied %v, want success", rep)
	}
	if len(capture.Sent()) != 0 {
		t.Error("bounce was forwarded")
	}
	if !reflect.DeepEqual(fake.ML("ml-000010").Members, before) {
		t.Error("bounce mutated membership")
	}
	if got := lastLogOp(t, fake, "ml-000010"); got != store.OpPost {
		t.Errorf("last log op = %s, want post", got)
	}
}
