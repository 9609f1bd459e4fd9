package task

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 45, 123_000_000, time.UTC)
	assert.Equal(t, "2024-05-01T12:30:45.123Z_owner-my-repo_72d3162e.json", Encode("owner/my-repo", ts, "72d3162e"))
	assert.Equal(t, "2024-05-01T12:30:45.123Z_a-b-c_deadbeef.json", Encode("a.b_c", ts, "deadbeef"))
}

func TestEncode_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 5, 1, 2, 0, 0, 0, loc)
	assert.Equal(t, "2024-04-30T23:00:00.000Z_repo_00000000.json", Encode("repo", ts, "00000000"))
}

func TestDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		repo string
		ts   time.Time
		id   string
	}{
		{"repo1", time.Date(2023, 1, 2, 3, 4, 5, 6_000_000, time.UTC), "0123abcd"},
		{"owner-repo", time.Date(1999, 12, 31, 23, 59, 59, 999_000_000, time.UTC), "ffffffff"},
		{"my_repo_name", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), "a1b2c3d4"},
	}
	for _, c := range cases {
		t.Run(c.repo, func(t *testing.T) {
			got := Decode(Encode(c.repo, c.ts, c.id))
			v, ok := got.(Valid)
			require.True(t, ok, "expected Valid, got %#v", got)
			assert.Equal(t, Sanitize(c.repo), v.RepoName)
			assert.True(t, c.ts.Equal(v.Timestamp))
			assert.Equal(t, c.id, v.UniqueID)
			assert.Equal(t, Encode(c.repo, c.ts, c.id), v.Filename())
		})
	}
}

func TestDecode_UnderscoresInRepoAreGreedy(t *testing.T) {
	got := Decode("2024-05-01T12:00:00.000Z_my_repo_1234abcd_deadbeef.json")
	v, ok := got.(Valid)
	require.True(t, ok)
	assert.Equal(t, "my_repo_1234abcd", v.RepoName)
	assert.Equal(t, "deadbeef", v.UniqueID)
	assert.Equal(t, "2024-05-01T12:00:00.000Z_my_repo_1234abcd_deadbeef.json", v.Filename())
}

func TestDecode_Invalid(t *testing.T) {
	names := []string{
		"garbage.json",
		"2024-05-01T12:00:00.000Z_repo_abc.json",
		"2024-05-01T12:00:00.000Z_repo_ABCDEF12.json",
		"2024-05-01T12:00:00.000Z_repo_deadbeef.txt",
		"2024-05-01T12:00:00Z_repo_deadbeef.json",
		"2024-05-01T12:00:00.000Z__deadbeef.json",
		"",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			got := Decode(name)
			inv, ok := got.(Invalid)
			require.True(t, ok, "expected Invalid, got %#v", got)
			assert.Equal(t, name, inv.RawFilename)
			assert.Equal(t, name, inv.Filename())
			assert.Equal(t, "Filename does not match expected pattern: "+name, inv.Reason)
		})
	}
}

func TestDecode_BadTimestamp(t *testing.T) {
	name := "2024-13-45T12:00:00.000Z_repo_deadbeef.json"
	inv, ok := Decode(name).(Invalid)
	require.True(t, ok)
	assert.Equal(t, "Invalid timestamp format in filename: "+name, inv.Reason)
}

func TestUniqueIDFromDelivery(t *testing.T) {
	assert.Equal(t, "72d3162e", UniqueIDFromDelivery("72d3162e-cc78-11e3-81ab-4c9367dc0958"))
	assert.Equal(t, "abc", UniqueIDFromDelivery("a-b-c"))
	assert.Regexp(t, regexp.MustCompile(`^[a-f0-9]{8}$`), NewUniqueID())
}

func TestHasUniqueID(t *testing.T) {
	name := "2024-05-01T12:00:00.000Z_owner-my-repo_72d3162e.json"
	assert.True(t, HasUniqueID(name, "72d3162e"))
	assert.False(t, HasUniqueID(name, "72d3162f"))
	assert.False(t, HasUniqueID(name, "3162e"))
}

func TestOutputFilename(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 9, 10, 11_000_000, time.UTC)
	assert.Equal(t, "owner-repo_issue-42_2024-05-01T08:09:10.011Z.txt", OutputFilename("owner-repo", 42, true, now))
	assert.Equal(t, "owner-repo_2024-05-01T08:09:10.011Z.txt", OutputFilename("owner-repo", 0, false, now))
}
