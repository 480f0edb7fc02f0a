package wireenc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenderArticle_OmitsIdentifyingHeaders(t *testing.T) {
	headers := ArticleHeaders{
		MessageID:   "<abc123@ngPost.com>",
		Subject:     "qwertyuiopasdfghjklz",
		From:        "poster <poster@example.com>",
		Newsgroup:   "alt.binaries.test",
		Date:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ProtocolVer: 1,
	}
	body := ArticleBody{Encoded: []byte("encoded-bytes\n"), CRC32: 0x1234}

	out := RenderArticle(headers, body, 1, 1)

	require.Contains(t, out, "Message-ID: <abc123@ngPost.com>")
	require.Contains(t, out, "Subject: qwertyuiopasdfghjklz")
	require.Contains(t, out, "Newsgroups: alt.binaries.test")
	require.Contains(t, out, "=ybegin part=1 total=1")
	require.Contains(t, out, "=yend size=14 part=1 pcrc32=00001234")

	require.False(t, strings.Contains(out, "folder"))
	require.False(t, strings.Contains(out, ".txt"))
}
