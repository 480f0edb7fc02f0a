package wireenc

import (
	"fmt"
	"strings"
	"time"
)

// ArticleHeaders carries the fixed, non-identifying header set every posted
// article uses (spec.md §6): no file name, hash, or folder identifier may
// appear here.
type ArticleHeaders struct {
	MessageID   string
	Subject     string
	From        string
	Newsgroup   string
	Date        time.Time
	ProtocolVer int
}

// RenderArticle assembles the full article text (headers + yEnc envelope)
// for one segment part, ready to hand to the NNTP Engine's post operation.
func RenderArticle(h ArticleHeaders, body ArticleBody, part, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", h.MessageID)
	fmt.Fprintf(&b, "Subject: %s\r\n", h.Subject)
	fmt.Fprintf(&b, "From: %s\r\n", h.From)
	fmt.Fprintf(&b, "Newsgroups: %s\r\n", h.Newsgroup)
	fmt.Fprintf(&b, "Date: %s\r\n", h.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-UsenetSync-Version: %d\r\n", h.ProtocolVer)
	b.WriteString("\r\n")

	size := len(body.Encoded)
	b.WriteString(FormatYencBegin(part, total, int64(size), h.Subject))
	b.WriteString("\r\n")
	b.Write(body.Encoded)
	if !strings.HasSuffix(string(body.Encoded), "\n") {
		b.WriteString("\r\n")
	}
	b.WriteString(FormatYencEnd(part, int64(size), body.CRC32))
	b.WriteString("\r\n")
	return b.String()
}
