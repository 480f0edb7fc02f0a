package segmenter

import (
	"crypto/ed25519"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanFile_ContiguousCoverage(t *testing.T) {
	ranges, err := PlanFile(768_000*2+100, 768_000)
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	var offset int64
	for i, r := range ranges {
		require.Equal(t, i, r.Index)
		require.Equal(t, offset, r.Offset)
		offset += r.Length
	}
	require.Equal(t, int64(768_000*2+100), offset)
	require.Equal(t, int64(100), ranges[2].Length)
}

func TestPlanFile_EmptyFileYieldsOneZeroLengthSegment(t *testing.T) {
	ranges, err := PlanFile(0, 768_000)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	require.Equal(t, int64(0), ranges[0].Length)
}

func TestPlanFile_RejectsNonPositiveSegmentSize(t *testing.T) {
	_, err := PlanFile(100, 0)
	require.Error(t, err)
}

func TestPlanPacking_FillsBeforeOverflowing(t *testing.T) {
	files := []SmallFile{
		{FileID: "a", Size: 300_000},
		{FileID: "b", Size: 300_000},
		{FileID: "c", Size: 300_000},
		{FileID: "d", Size: 300_000},
	}
	segments, err := PlanPacking(files, 768_000)
	require.NoError(t, err)

	var total int
	for _, seg := range segments {
		require.LessOrEqual(t, seg.Total, int64(768_000))
		total += len(seg.Entries)
	}
	require.Equal(t, len(files), total)
}

func TestPlanPacking_Deterministic(t *testing.T) {
	files := []SmallFile{
		{FileID: "a", Size: 100},
		{FileID: "b", Size: 200},
		{FileID: "c", Size: 50},
	}
	s1, err := PlanPacking(files, 1000)
	require.NoError(t, err)
	s2, err := PlanPacking(files, 1000)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestInternalSubject_DeterministicAndDistinctByIndex(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s1 := InternalSubject(priv, "folder-1", 1, 0, []byte("entropy"))
	s2 := InternalSubject(priv, "folder-1", 1, 0, []byte("entropy"))
	require.Equal(t, s1, s2)
	require.Len(t, s1, 64)

	s3 := InternalSubject(priv, "folder-1", 1, 1, []byte("entropy"))
	require.NotEqual(t, s1, s3)
}

var alnumPattern = regexp.MustCompile(`^[a-z0-9]+$`)

func TestNewUsenetSubject_Shape(t *testing.T) {
	s, err := NewUsenetSubject()
	require.NoError(t, err)
	require.Len(t, s, 20)
	require.Regexp(t, alnumPattern, s)
}

func TestNewMessageIDLocalPart_Shape(t *testing.T) {
	s, err := NewMessageIDLocalPart()
	require.NoError(t, err)
	require.Len(t, s, 16)
	require.Regexp(t, alnumPattern, s)
}

func TestFormatMessageID(t *testing.T) {
	require.Equal(t, "<abc123@ngPost.com>", FormatMessageID("abc123", "ngPost.com"))
}
