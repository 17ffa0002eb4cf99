// internal/feed/feed.go

// Package feed renders the ranked repository snapshot as RSS 2.0 and Atom
// documents. Output well-formedness is a correctness requirement: the
// downstream consumers parse these feeds programmatically.
package feed

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"time"

	"repo-radar/internal/model"
)

const atomNS = "http://www.w3.org/2005/Atom"

// Generator renders feeds with fixed channel metadata.
type Generator struct {
	Title       string
	Link        string
	Description string
}

// New creates a Generator with the default radar channel metadata.
func New() *Generator {
	return &Generator{
		Title:       "Repo Radar - Velocity Discovery",
		Link:        "https://github.com",
		Description: "Discover repositories by activity velocity, not star count",
	}
}

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	Language      string    `xml:"language"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate,omitempty"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	NS      string      `xml:"xmlns,attr"`
	Title   string      `xml:"title"`
	ID      string      `xml:"id"`
	Updated string      `xml:"updated"`
	Link    atomLink    `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
}

type atomEntry struct {
	Title   string   `xml:"title"`
	ID      string   `xml:"id"`
	Link    atomLink `xml:"link"`
	Updated string   `xml:"updated"`
	Summary string   `xml:"summary"`
}

// Rank orders a snapshot for feed output: velocity score descending, ties
// broken by ascending full name so repeated renders are byte-identical.
func Rank(snapshot []model.DiscoveredRepo) []model.DiscoveredRepo {
	ranked := make([]model.DiscoveredRepo, len(snapshot))
	copy(ranked, snapshot)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].VelocityScore != ranked[j].VelocityScore {
			return ranked[i].VelocityScore > ranked[j].VelocityScore
		}
		return ranked[i].FullName < ranked[j].FullName
	})
	return ranked
}

// RSS renders the snapshot as an RSS 2.0 document.
func (g *Generator) RSS(snapshot []model.DiscoveredRepo, now time.Time) ([]byte, error) {
	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:         g.Title,
			Link:          g.Link,
			Description:   g.Description,
			Language:      "en",
			LastBuildDate: now.UTC().Format(time.RFC1123Z),
		},
	}
	for _, r := range Rank(snapshot) {
		item := rssItem{
			Title:       entryTitle(&r),
			Link:        "https://github.com/" + r.FullName,
			GUID:        "urn:github:repo:" + r.FullName,
			Description: entrySummary(&r),
		}
		if !r.CreatedAt.IsZero() {
			item.PubDate = r.CreatedAt.UTC().Format(time.RFC1123Z)
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}
	return marshalDoc(doc)
}

// Atom renders the snapshot as an Atom document.
func (g *Generator) Atom(snapshot []model.DiscoveredRepo, now time.Time) ([]byte, error) {
	doc := atomDoc{
		NS:      atomNS,
		Title:   g.Title,
		ID:      "urn:radar:feed",
		Updated: now.UTC().Format(time.RFC3339),
		Link:    atomLink{Href: g.Link, Rel: "alternate"},
	}
	for _, r := range Rank(snapshot) {
		doc.Entries = append(doc.Entries, atomEntry{
			Title:   entryTitle(&r),
			ID:      "urn:github:repo:" + r.FullName,
			Link:    atomLink{Href: "https://github.com/" + r.FullName},
			Updated: now.UTC().Format(time.RFC3339),
			Summary: entrySummary(&r),
		})
	}
	return marshalDoc(doc)
}

// WriteFiles renders both documents to disk.
func (g *Generator) WriteFiles(rssPath, atomPath string, snapshot []model.DiscoveredRepo, now time.Time) error {
	rss, err := g.RSS(snapshot, now)
	if err != nil {
		return err
	}
	if err := os.WriteFile(rssPath, rss, 0o644); err != nil {
		return fmt.Errorf("write rss feed: %w", err)
	}
	atom, err := g.Atom(snapshot, now)
	if err != nil {
		return err
	}
	if err := os.WriteFile(atomPath, atom, 0o644); err != nil {
		return fmt.Errorf("write atom feed: %w", err)
	}
	return nil
}

func entryTitle(r *model.DiscoveredRepo) string {
	return fmt.Sprintf("%s (velocity: %.1f)", r.FullName, r.VelocityScore)
}

// entrySummary carries the identity, metrics snapshot and content address
// for every entry, which downstream parsers rely on.
func entrySummary(r *model.DiscoveredRepo) string {
	s := fmt.Sprintf("owner=%s score=%.2f commits_7d=%d forks_7d=%d contributors=%d issues_7d=%d prs_7d=%d watchers=%d stars=%d cid=%s",
		r.Owner, r.VelocityScore, r.Metrics.Commits7d, r.Metrics.Forks7d,
		r.Metrics.Contributors, r.Metrics.Issues7d, r.Metrics.PRs7d,
		r.Metrics.Watchers, r.Metrics.Stars, r.ContentAddress)
	if r.Description != "" {
		s += " | " + r.Description
	}
	return s
}

func marshalDoc(doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal feed: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}
