package smtpd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/address"
	"github.com/themadorg/amane/internal/metrics"
	"github.com/themadorg/amane/internal/msgtpl"
	"github.com/themadorg/amane/internal/relay"
	"github.com/themadorg/amane/internal/store"
)

// Canonical rejection texts. The ingress replies 550 with one of these and
// leaves the store untouched.
const (
	replyNoML         = "No ML specified"
	replyCrossPost    = "Can't cross-post a message"
	replyNoSuchML     = "No such ML"
	replyNoSuchTenant = "No such tenant"
	replyNotMember    = "Not member"
	replyClosedML     = "ML is closed"
)

var removeRFC822 = regexp.MustCompile(`(?i)rfc822;`)

// Handler is the message classification state machine. Processing one
// message is a function of the parsed message and the current store state;
// it produces store mutations, at most one outbound mail, and the SMTP reply.
type Handler struct {
	Store  store.Store
	Relay  relay.Relay
	Domain string
	Log    *zap.Logger
}

func reject(slug, reason string) *smtp.SMTPError {
	metrics.Rejections.WithLabelValues(slug).Inc()
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      reason,
	}
}

// tempFail aborts the current transaction on store I/O failure. The
// connection ends, the process stays up.
func tempFail() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local error in processing",
	}
}

// Process classifies one accepted message and applies its effects. A nil
// return means success (250); policy violations return the canonical 550
// reply, store I/O failures a 451.
func (h *Handler) Process(ctx context.Context, envelopeFrom string, rcpts []string, data []byte) *smtp.SMTPError {
	ent, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		h.Log.Error("unparseable message", zap.Error(err), zap.String("envelope_from", envelopeFrom))
		return reject("malformed", replyNoML)
	}

	hdr := mail.Header{Header: ent.Header}
	subject, err := ent.Header.Text("Subject")
	if err != nil {
		subject = ent.Header.Get("Subject")
	}
	subject = strings.TrimSpace(subject)

	from := address.FromHeader(hdr, "From")
	to := address.FromHeader(hdr, "To")
	cc := address.FromHeader(hdr, "Cc")

	h.Log.Info("processing",
		zap.Strings("from", from.Slice()),
		zap.Strings("to", to.Slice()),
		zap.Strings("cc", cc.Slice()),
		zap.String("subject", subject))

	// The author identity is reconstructed from the message itself; the
	// envelope sender is only a fallback for From-less input.
	if len(from) == 0 {
		from = address.Normalize(envelopeFrom)
	}
	var mailfrom string
	if s := from.Slice(); len(s) > 0 {
		mailfrom = s[0]
	}

	atDomain := "@" + strings.ToLower(h.Domain)
	mls := address.NewSet()
	for _, a := range to.Union(cc).Slice() {
		if strings.HasSuffix(a, atDomain) {
			mls.Add(a)
		}
	}
	switch {
	case len(mls) == 0:
		h.Log.Error("no ML specified")
		return reject("no_ml", replyNoML)
	case len(mls) > 1:
		h.Log.Error("cross-post rejected", zap.Strings("lists", mls.Slice()))
		return reject("cross_post", replyCrossPost)
	}

	mlAddress := mls.Slice()[0]
	mlName := strings.TrimSuffix(mlAddress, atDomain)
	to = to.Diff(mls)
	cc = cc.Diff(mls)

	// Delivery-failure notifications come back on the -error endpoint.
	// They are observed and logged, never forwarded.
	if strings.HasSuffix(mlName, relay.ErrorSuffix) {
		stripped := strings.TrimSuffix(mlName, relay.ErrorSuffix)
		origRcpt := removeRFC822.ReplaceAllString(ent.Header.Get("Original-Recipient"), "")
		bounced := address.Normalize(strings.Split(origRcpt, ",")...)
		if len(bounced) > 0 && stripped != "" {
			h.Log.Error("not delivered",
				zap.Strings("bounced", bounced.Slice()),
				zap.String("ml_name", stripped))
			if err := h.Store.LogPost(ctx, stripped, bounced, mailfrom); err != nil && err != store.ErrNotFound {
				h.Log.Error("recording bounce failed", zap.Error(err))
			}
		}
		return nil
	}

	if mailfrom == "" {
		return reject("no_sender", replyNotMember)
	}

	tenants, err := h.Store.FindTenants(ctx,
		store.Filter{store.Eq("status", store.TenantEnabled)}, "", false)
	if err != nil {
		h.Log.Error("listing tenants failed", zap.Error(err))
		return tempFail()
	}

	// Seed-address path: the first mail to a tenant's new-list account
	// creates the list.
	for i := range tenants {
		tenant := &tenants[i]
		if mlName != tenant.NewMLAccount {
			continue
		}
		return h.createList(ctx, tenant, ent, subject, mailfrom, to, cc, from)
	}

	return h.existingList(ctx, tenants, ent, mlName, subject, mailfrom, cc)
}

func (h *Handler) createList(ctx context.Context, tenant *store.Tenant, ent *message.Entity,
	subject, mailfrom string, to, cc, from address.Set) *smtp.SMTPError {

	n, err := h.Store.IncrementCounter(ctx, tenant.TenantName)
	if err != nil {
		h.Log.Error("counter increment failed", zap.Error(err), zap.String("tenant", tenant.TenantName))
		return tempFail()
	}
	mlName := fmt.Sprintf(tenant.MLNameFormat, n)
	mlAddress := mlName + "@" + h.Domain

	admins := tenant.AdminSet()
	members := to.Union(cc, from).Diff(admins)

	if err := h.Store.CreateML(ctx, tenant.TenantName, mlName, subject, members, mailfrom); err != nil {
		h.Log.Error("list creation failed", zap.Error(err), zap.String("ml_name", mlName))
		if err == store.ErrExists {
			// Collisions are non-fatal no-ops; nothing is sent.
			return nil
		}
		return tempFail()
	}
	metrics.ListsCreated.Inc()
	h.Log.Info("created list",
		zap.String("ml_name", mlName),
		zap.String("tenant", tenant.TenantName),
		zap.Strings("members", members.Slice()))

	params := map[string]any{
		"ml_name":        mlName,
		"ml_address":     mlAddress,
		"new_ml_address": tenant.NewMLAccount + "@" + h.Domain,
		"mailfrom":       mailfrom,
		"subject":        subject,
		"members":        members.Slice(),
		"cc":             cc.Slice(),
	}
	content := msgtpl.Render(tenant.WelcomeMsg, params)
	h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "Welcome.txt")
	return nil
}

func (h *Handler) existingList(ctx context.Context, tenants []store.Tenant, ent *message.Entity,
	mlName, subject, mailfrom string, cc address.Set) *smtp.SMTPError {

	ml, err := h.Store.GetML(ctx, mlName)
	if err != nil {
		h.Log.Error("list lookup failed", zap.Error(err), zap.String("ml_name", mlName))
		return tempFail()
	}
	if ml == nil {
		h.Log.Error("no such ML", zap.String("ml_name", mlName))
		return reject("no_such_ml", replyNoSuchML)
	}

	var tenant *store.Tenant
	for i := range tenants {
		if tenants[i].TenantName == ml.TenantName {
			tenant = &tenants[i]
			break
		}
	}
	if tenant == nil {
		h.Log.Error("no such tenant", zap.String("tenant", ml.TenantName))
		return reject("no_such_tenant", replyNoSuchTenant)
	}

	members, err := h.Store.GetMembers(ctx, mlName)
	if err != nil {
		h.Log.Error("membership lookup failed", zap.Error(err), zap.String("ml_name", mlName))
		return tempFail()
	}
	admins := tenant.AdminSet()
	if !members.Has(mailfrom) && !admins.Has(mailfrom) {
		h.Log.Error("non-member post", zap.String("mailfrom", mailfrom), zap.String("ml_name", mlName))
		return reject("not_member", replyNotMember)
	}

	command := strings.ToLower(strings.TrimSpace(relay.StripCommandPrefixes(subject, mlName)))

	params := map[string]any{
		"ml_name":        mlName,
		"ml_address":     mlName + "@" + h.Domain,
		"new_ml_address": tenant.NewMLAccount + "@" + h.Domain,
		"mailfrom":       mailfrom,
		"subject":        subject,
		"members":        members.Slice(),
		"cc":             []string{},
	}

	if ml.Status == store.StatusClosed {
		if command == "reopen" {
			content := msgtpl.Render(tenant.ReopenMsg, params)
			h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "Reopen.txt")
			h.changeStatus(ctx, mlName, store.StatusOpen, mailfrom)
			h.Log.Info("reopened", zap.String("ml_name", mlName), zap.String("by", mailfrom))
			return nil
		}
		h.Log.Error("ML is closed", zap.String("ml_name", mlName))
		return reject("closed", replyClosedML)
	}

	if command == "close" {
		content := msgtpl.Render(tenant.GoodbyeMsg, params)
		h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "Goodbye.txt")
		h.changeStatus(ctx, mlName, store.StatusClosed, mailfrom)
		h.Log.Info("closed", zap.String("ml_name", mlName), zap.String("by", mailfrom))
		return nil
	}

	if ml.Status != store.StatusOpen {
		h.changeStatus(ctx, mlName, store.StatusOpen, mailfrom)
	}

	cc = cc.Diff(admins)
	params["cc"] = cc.Slice()

	// An empty subject with Cc'd members removes them from the list.
	if command == "" {
		if len(cc) > 0 {
			params["members"] = members.Diff(cc).Slice()
			content := msgtpl.Render(tenant.RemoveMsg, params)
			h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "RemoveMembers.txt")
			if err := h.Store.DelMembers(ctx, mlName, cc, mailfrom); err != nil {
				h.Log.Error("removing members failed", zap.Error(err))
			}
			h.Log.Info("removed members",
				zap.Strings("members", cc.Slice()), zap.String("ml_name", mlName))
		}
		return nil
	}

	// Extra Cc'd addresses on a regular post join the list.
	if len(cc) > 0 {
		if err := h.Store.AddMembers(ctx, mlName, cc, mailfrom); err != nil {
			h.Log.Error("adding members failed", zap.Error(err))
		}
		h.Log.Info("added members",
			zap.Strings("members", cc.Slice()), zap.String("ml_name", mlName))
		if cur, err := h.Store.GetMembers(ctx, mlName); err == nil && cur != nil {
			params["members"] = cur.Slice()
		}
		content := msgtpl.Render(tenant.AddMsg, params)
		h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "AddMembers.txt")
		return nil
	}

	content := msgtpl.Render(tenant.ReadmeMsg, params)
	h.sendList(ctx, tenant, mlName, ent, mailfrom, content, "Readme.txt")
	return nil
}

func (h *Handler) changeStatus(ctx context.Context, mlName string, status store.MLStatus, by string) {
	if err := h.Store.ChangeMLStatus(ctx, mlName, status, by); err != nil {
		h.Log.Error("status change failed",
			zap.Error(err), zap.String("ml_name", mlName), zap.String("status", string(status)))
	}
}

// sendList attaches the rendered template (when it rendered at all) and
// forwards the message to the current membership plus the tenant admins.
// Attachment and relay failures never fail the transaction; the preceding
// store mutations stand.
func (h *Handler) sendList(ctx context.Context, tenant *store.Tenant, mlName string,
	ent *message.Entity, mailfrom, content, filename string) {

	out := ent
	if content != "" {
		if wrapped, err := attachPart(ent, content, filename); err == nil {
			out = wrapped
		} else {
			h.Log.Error("attaching notice failed", zap.Error(err), zap.String("ml_name", mlName))
		}
	}

	members, err := h.Store.GetMembers(ctx, mlName)
	if err != nil || members == nil {
		h.Log.Error("recipient lookup failed", zap.Error(err), zap.String("ml_name", mlName))
		return
	}
	rcpts := members.Union(tenant.AdminSet())

	relay.FormatPost(out, mlName, h.Domain, tenant.Charset)
	envFrom := relay.BounceAddress(mlName, h.Domain)
	if err := h.Relay.Send(ctx, envFrom, rcpts.Slice(), out); err != nil {
		h.Log.Error("relay failed", zap.Error(err), zap.String("ml_name", mlName))
	} else {
		h.Log.Info("sent",
			zap.String("ml_name", mlName),
			zap.String("mailfrom", mailfrom),
			zap.Strings("members", rcpts.Slice()))
	}
	if err := h.Store.LogPost(ctx, mlName, rcpts, mailfrom); err != nil {
		h.Log.Error("post log failed", zap.Error(err), zap.String("ml_name", mlName))
	}
}

// attachPart returns a multipart rendition of ent with the rendered content
// appended as a named text part. A non-multipart original is wrapped first.
func attachPart(ent *message.Entity, content, filename string) (*message.Entity, error) {
	part, err := noticePart(content, filename)
	if err != nil {
		return nil, err
	}

	header := message.Header{Header: ent.Header.Header.Copy()}
	var parts []*message.Entity

	if mr := ent.MultipartReader(); mr != nil {
		for {
			sub, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			body, err := io.ReadAll(sub.Body)
			if err != nil {
				return nil, err
			}
			sh := message.Header{Header: sub.Header.Header.Copy()}
			pe, err := message.New(sh, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			parts = append(parts, pe)
		}
	} else {
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return nil, err
		}
		var ph message.Header
		if ct := header.Get("Content-Type"); ct != "" {
			ph.Set("Content-Type", ct)
		}
		if cte := header.Get("Content-Transfer-Encoding"); cte != "" {
			ph.Set("Content-Transfer-Encoding", cte)
		}
		header.Del("Content-Type")
		header.Del("Content-Transfer-Encoding")
		pe, err := message.New(ph, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		parts = append(parts, pe)
	}

	parts = append(parts, part)
	if t, _, _ := header.ContentType(); !strings.HasPrefix(t, "multipart/") {
		header.Set("Content-Type", "multipart/mixed")
	}
	return message.NewMultipart(header, parts)
}

// noticePart builds the rendered-template attachment. Templates render to
// UTF-8 regardless of the tenant charset; only subjects and standalone
// notices are transcoded.
func noticePart(content, filename string) (*message.Entity, error) {
	var h message.Header
	h.Set("Content-Type", fmt.Sprintf(`text/plain; charset="utf-8"; name=%s`, filename))
	part, err := message.New(h, strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	// Set after New so the raw content is not decoded as base64; the
	// encoding is applied when the part is written.
	part.Header.Set("Content-Transfer-Encoding", "base64")
	return part, nil
}
