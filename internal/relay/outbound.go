package relay

import (
	"bytes"
	"mime"
	"regexp"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/ianaindex"
)

// NormalizeSubject strips any run of leading "Re:", "[mlName]" and
// whitespace (case-insensitively) and prepends a single "[mlName] " prefix.
func NormalizeSubject(subject, mlName string) string {
	re := regexp.MustCompile(`(?i)^(re:|\[` + regexp.QuoteMeta(mlName) + `\]|\s)*`)
	loc := re.FindStringIndex(subject)
	return "[" + mlName + "] " + subject[loc[1]:]
}

// StripCommandPrefixes removes the same leading run without adding the
// prefix back. The command token is computed from the result.
func StripCommandPrefixes(subject, mlName string) string {
	re := regexp.MustCompile(`(?i)^(re:|\[` + regexp.QuoteMeta(mlName) + `\]|\s)*`)
	loc := re.FindStringIndex(subject)
	return subject[loc[1]:]
}

// charsetEncode converts s to the named IANA charset and returns the result
// with the charset label to declare. An empty or unknown name, or text the
// charset cannot represent, yields s unchanged labelled "utf-8".
func charsetEncode(s, charset string) (string, string) {
	if charset == "" {
		return s, "utf-8"
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return s, "utf-8"
	}
	converted, err := enc.NewEncoder().String(s)
	if err != nil {
		return s, "utf-8"
	}
	return converted, charset
}

// EncodeWord RFC-2047-encodes s in the tenant's charset. ASCII-only input
// comes back unchanged.
func EncodeWord(s, charset string) string {
	converted, cs := charsetEncode(s, charset)
	return mime.BEncoding.Encode(cs, converted)
}

// FormatPost rewrites ent in place for redistribution to the list: To and
// Reply-To become the list address, Return-Path the bounce address, and the
// subject gains the list prefix encoded per the tenant's charset.
func FormatPost(ent *message.Entity, mlName, domain, charset string) {
	listAddr := mlName + "@" + domain

	ent.Header.Del("To")
	ent.Header.Del("Reply-To")
	ent.Header.Del("Return-Path")
	ent.Header.Set("To", listAddr)
	ent.Header.Set("Reply-To", listAddr)
	ent.Header.Set("Return-Path", "<"+BounceAddress(mlName, domain)+">")

	subject, err := ent.Header.Text("Subject")
	if err != nil {
		subject = ent.Header.Get("Subject")
	}
	ent.Header.Set("Subject", EncodeWord(NormalizeSubject(subject, mlName), charset))
}

// Notice describes a synthesized single-part message (welcome-less notices:
// reviewer status changes and reporter digests).
type Notice struct {
	From    string // From and Return-Path
	To      string // To and Reply-To
	Subject string
	Body    string
	Charset string
	Domain  string // for the Message-ID
}

// NewNotice builds the notice as a text/plain entity, body encoded in the
// tenant charset and wrapped in base64 for transport.
func NewNotice(n Notice) (*message.Entity, error) {
	body, cs := charsetEncode(n.Body, n.Charset)

	var h message.Header
	h.Set("From", n.From)
	h.Set("Return-Path", "<"+n.From+">")
	h.Set("To", n.To)
	h.Set("Reply-To", n.To)
	h.Set("Subject", EncodeWord(n.Subject, n.Charset))
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-Id", "<"+uuid.NewString()+"@"+n.Domain+">")
	h.Set("MIME-Version", "1.0")

	ent, err := message.New(h, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	// Set after New: the body is raw text, so New must not decode it as
	// base64 or transcode it. WriteTo applies the base64 encoding.
	ent.Header.Set("Content-Type", `text/plain; charset="`+cs+`"`)
	ent.Header.Set("Content-Transfer-Encoding", "base64")
	return ent, nil
}
