package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/validation"
	"github.com/ad-tracker/channel-announcer/internal/youtube"
)

const (
	liveNowBadge     = "BADGE_STYLE_TYPE_LIVE_NOW"
	membersOnlyBadge = "BADGE_STYLE_TYPE_MEMBERS_ONLY"
	// How far before a listing badge the owning videoId is searched for.
	badgeWindow = 4096
)

var (
	videoIDJSONRegex = regexp.MustCompile(`"videoId":"([a-zA-Z0-9_-]{11})"`)
	liveNowMarkers   = []string{`"isLiveNow":true`, `"isLive":true`, liveNowBadge}
)

// PageFetcher downloads public channel pages.
type PageFetcher interface {
	PageURLs(channelID string) []string
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

// ScrapeTier inspects the channel's public live and streams pages for a
// currently live broadcast.
type ScrapeTier struct {
	fetcher PageFetcher
}

// NewScrapeTier creates the page scrape tier.
func NewScrapeTier(fetcher PageFetcher) *ScrapeTier {
	return &ScrapeTier{fetcher: fetcher}
}

func (t *ScrapeTier) Name() string { return TierScrape }
func (t *ScrapeTier) Cost() int    { return 0 }
func (t *ScrapeTier) Kind() Kind   { return KindLive }

func (t *ScrapeTier) Discover(ctx context.Context, req Request) ([]models.CandidateItem, error) {
	var (
		items  []models.CandidateItem
		seen   = make(map[string]bool)
		errs   []error
		pages  = t.fetcher.PageURLs(req.ChannelID)
		failed int
	)

	for _, pageURL := range pages {
		body, err := t.fetcher.FetchPage(ctx, pageURL)
		if err != nil {
			failed++
			errs = append(errs, err)
			continue
		}

		found, err := ScrapeLivePage(body)
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("scrape %s: %w", pageURL, err))
			continue
		}
		for _, it := range found {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			it.ChannelID = req.ChannelID
			items = append(items, it)
		}
	}

	if failed == len(pages) && failed > 0 {
		return nil, errors.Join(errs...)
	}
	return items, nil
}

// ScrapeLivePage extracts live items from a channel page. Two layouts are
// understood: a watch page reached through the /live redirect, identified
// by its canonical link, and a streams listing carrying live-now badges.
func ScrapeLivePage(body []byte) ([]models.CandidateItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}
	markup := string(body)

	if id := canonicalVideoID(doc); id != "" {
		if !watchPageIsLive(doc, markup) {
			return nil, nil
		}
		title := doc.Find(`meta[property="og:title"]`).AttrOr("content", "")
		if title == "" {
			title = doc.Find(`meta[name="title"]`).AttrOr("content", "")
		}
		return []models.CandidateItem{{
			ID:           id,
			Title:        strings.TrimSpace(title),
			ThumbnailURL: doc.Find(`meta[property="og:image"]`).AttrOr("content", ""),
			IsLive:       true,
			IsMemberOnly: strings.Contains(markup, membersOnlyBadge) || youtube.IsMemberOnlyTitle(title),
			Origin:       models.OriginPoll,
		}}, nil
	}

	var items []models.CandidateItem
	seen := make(map[string]bool)
	offset := 0
	for {
		idx := strings.Index(markup[offset:], liveNowBadge)
		if idx < 0 {
			break
		}
		badgeAt := offset + idx
		// The window never reaches back past the previous badge.
		start := max(offset, badgeAt-badgeWindow)
		window := markup[start:badgeAt]

		matches := videoIDJSONRegex.FindAllStringSubmatch(window, -1)
		if len(matches) > 0 {
			id := matches[len(matches)-1][1]
			if !seen[id] {
				seen[id] = true
				items = append(items, models.CandidateItem{
					ID:           id,
					IsLive:       true,
					IsMemberOnly: strings.Contains(window, membersOnlyBadge),
					ThumbnailURL: "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg",
					Origin:       models.OriginPoll,
				})
			}
		}
		offset = badgeAt + len(liveNowBadge)
	}
	return items, nil
}

func canonicalVideoID(doc *goquery.Document) string {
	href, ok := doc.Find(`link[rel="canonical"]`).Attr("href")
	if !ok {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || !strings.HasSuffix(u.Path, "/watch") {
		return ""
	}
	id := u.Query().Get("v")
	if !validation.IsValidVideoID(id) {
		return ""
	}
	return id
}

// watchPageIsLive reports whether a watch page describes a broadcast that
// has started and not ended.
func watchPageIsLive(doc *goquery.Document, markup string) bool {
	broadcast := doc.Find(`meta[itemprop="isLiveBroadcast"]`)
	if broadcast.Length() > 0 {
		if !strings.EqualFold(broadcast.AttrOr("content", ""), "true") {
			return false
		}
		if doc.Find(`meta[itemprop="endDate"]`).Length() > 0 {
			return false
		}
		return !strings.Contains(markup, `"isUpcoming":true`)
	}
	for _, m := range liveNowMarkers {
		if strings.Contains(markup, m) {
			return true
		}
	}
	return false
}
