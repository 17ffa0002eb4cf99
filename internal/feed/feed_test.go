// internal/feed/feed_test.go
package feed

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-radar/internal/model"
)

func snapshotOfThree() []model.DiscoveredRepo {
	mk := func(name, owner string, score float64, ageDays int) model.DiscoveredRepo {
		return model.DiscoveredRepo{
			FullName:       name,
			Owner:          owner,
			CreatedAt:      time.Now().UTC().AddDate(0, 0, -ageDays),
			Metrics:        model.MetricsSnapshot{Commits7d: int(score / 10)},
			VelocityScore:  score,
			ContentAddress: "bafy" + owner,
		}
	}
	// Deliberately unsorted input.
	return []model.DiscoveredRepo{
		mk("young/low", "young", 10, 5),
		mk("top/fast", "top", 200, 40),
		mk("old/mid", "old", 50, 200),
	}
}

func TestRank_ScoreDescThenNameAsc(t *testing.T) {
	snapshot := []model.DiscoveredRepo{
		{FullName: "z/tie", VelocityScore: 10},
		{FullName: "a/tie", VelocityScore: 10},
		{FullName: "m/top", VelocityScore: 99},
	}

	ranked := Rank(snapshot)
	assert.Equal(t, "m/top", ranked[0].FullName)
	assert.Equal(t, "a/tie", ranked[1].FullName)
	assert.Equal(t, "z/tie", ranked[2].FullName)
	// Input order untouched.
	assert.Equal(t, "z/tie", snapshot[0].FullName)
}

func TestRSS_ParseableWithRankedEntries(t *testing.T) {
	g := New()
	raw, err := g.RSS(snapshotOfThree(), time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var parsed struct {
		XMLName xml.Name `xml:"rss"`
		Channel struct {
			Title string `xml:"title"`
			Items []struct {
				Title       string `xml:"title"`
				GUID        string `xml:"guid"`
				Description string `xml:"description"`
			} `xml:"item"`
		} `xml:"channel"`
	}
	require.NoError(t, xml.Unmarshal(raw, &parsed), "RSS output must be well formed")

	require.Len(t, parsed.Channel.Items, 3)
	assert.Equal(t, "urn:github:repo:top/fast", parsed.Channel.Items[0].GUID)
	assert.Equal(t, "urn:github:repo:old/mid", parsed.Channel.Items[1].GUID)
	assert.Equal(t, "urn:github:repo:young/low", parsed.Channel.Items[2].GUID)

	// Every entry carries identity, metrics and content address.
	assert.Contains(t, parsed.Channel.Items[0].Description, "owner=top")
	assert.Contains(t, parsed.Channel.Items[0].Description, "commits_7d=20")
	assert.Contains(t, parsed.Channel.Items[0].Description, "cid=bafytop")
}

func TestAtom_ParseableWithRankedEntries(t *testing.T) {
	g := New()
	raw, err := g.Atom(snapshotOfThree(), time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var parsed struct {
		XMLName xml.Name `xml:"feed"`
		Entries []struct {
			ID      string `xml:"id"`
			Summary string `xml:"summary"`
		} `xml:"entry"`
	}
	require.NoError(t, xml.Unmarshal(raw, &parsed), "Atom output must be well formed")

	require.Len(t, parsed.Entries, 3)
	assert.Equal(t, "urn:github:repo:top/fast", parsed.Entries[0].ID)
	assert.Contains(t, parsed.Entries[0].Summary, "cid=bafytop")
}

func TestRSS_Deterministic(t *testing.T) {
	g := New()
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	snapshot := snapshotOfThree()

	first, err := g.RSS(snapshot, now)
	require.NoError(t, err)
	second, err := g.RSS(snapshot, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRSS_EmptySnapshot(t *testing.T) {
	g := New()
	raw, err := g.RSS(nil, time.Now())
	require.NoError(t, err)

	var parsed struct {
		XMLName xml.Name `xml:"rss"`
	}
	assert.NoError(t, xml.Unmarshal(raw, &parsed))
}

func TestRSS_EscapesMarkupInDescriptions(t *testing.T) {
	g := New()
	snapshot := []model.DiscoveredRepo{{
		FullName:    "evil/repo",
		Owner:       "evil",
		Description: `<script>alert("x")</script> & more`,
	}}

	raw, err := g.RSS(snapshot, time.Now())
	require.NoError(t, err)

	var parsed struct {
		Channel struct {
			Items []struct {
				Description string `xml:"description"`
			} `xml:"item"`
		} `xml:"channel"`
	}
	require.NoError(t, xml.Unmarshal(raw, &parsed))
	require.Len(t, parsed.Channel.Items, 1)
	assert.Contains(t, parsed.Channel.Items[0].Description, `<script>alert("x")</script> & more`)
}
