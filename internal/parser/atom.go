// Package parser decodes YouTube Atom feeds, both WebSub notification bodies
// and the public channel feed, into candidate items.
package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/validation"
)

const (
	atomNS       = "http://www.w3.org/2005/Atom"
	youtubeNS    = "http://www.youtube.com/xml/schemas/2015"
	mediaNS      = "http://search.yahoo.com/mrss/"
	tombstonesNS = "http://purl.org/atompub/tombstones/1.0"

	defaultMaxEntries  = 20
	defaultMaxTitleLen = 256
)

var (
	// ErrMalformedFeed is returned when the body is not a well-formed Atom feed.
	ErrMalformedFeed = errors.New("malformed atom feed")

	// ErrEntityDeclaration is returned when the document carries a DOCTYPE or
	// ENTITY declaration.
	ErrEntityDeclaration = errors.New("feed contains a DOCTYPE or entity declaration")

	// ErrUnsupportedEncoding is returned for documents that are not UTF-8.
	ErrUnsupportedEncoding = errors.New("feed is not UTF-8 encoded")
)

var (
	encodingDeclRegex = regexp.MustCompile(`(?i)<\?xml[^>]*\bencoding\s*=\s*["']([^"']+)["']`)
	declarationRegex  = regexp.MustCompile(`(?i)<!(DOCTYPE|ENTITY)`)

	// Only this fixed set is decoded from titles; anything else stays literal.
	titleEntities = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&#x27;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
	)
)

// Options bounds the work done for a single document.
type Options struct {
	MaxEntries  int
	MaxTitleLen int
	Origin      models.Origin
}

// Result is the outcome of parsing one feed document.
type Result struct {
	Items []models.CandidateItem
	// DeletedIDs lists video ids announced as removed via at:deleted-entry.
	DeletedIDs []string
	// Skipped counts entries dropped for failing id validation.
	Skipped int
	// Truncated is set when the entry bound was hit.
	Truncated bool
}

type atomEntry struct {
	VideoID   string    `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	ChannelID string    `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string    `xml:"http://www.w3.org/2005/Atom title"`
	Published string    `xml:"http://www.w3.org/2005/Atom published"`
	Updated   string    `xml:"http://www.w3.org/2005/Atom updated"`
	Group     *mediaGrp `xml:"http://search.yahoo.com/mrss/ group"`
}

type mediaGrp struct {
	Thumbnail struct {
		URL string `xml:"url,attr"`
	} `xml:"http://search.yahoo.com/mrss/ thumbnail"`
}

type deletedEntry struct {
	Ref  string `xml:"ref,attr"`
	When string `xml:"when,attr"`
}

// CheckDocument rejects documents that declare entities or a DOCTYPE, carry
// a non-UTF-8 encoding declaration, or contain invalid UTF-8.
func CheckDocument(raw []byte) error {
	head := raw
	if len(head) > 1024 {
		head = head[:1024]
	}
	if m := encodingDeclRegex.FindSubmatch(head); m != nil {
		enc := strings.ToLower(string(m[1]))
		if enc != "utf-8" && enc != "utf8" {
			return fmt.Errorf("%w: declared %q", ErrUnsupportedEncoding, m[1])
		}
	}
	if declarationRegex.Match(raw) {
		return ErrEntityDeclaration
	}
	if !utf8.Valid(raw) {
		return ErrUnsupportedEncoding
	}
	return nil
}

// ParseFeed decodes at most opts.MaxEntries entries from raw. Entries whose
// video id fails validation are skipped rather than failing the document.
func ParseFeed(raw []byte, opts Options) (*Result, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.MaxTitleLen <= 0 {
		opts.MaxTitleLen = defaultMaxTitleLen
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFeed)
	}
	if err := CheckDocument(raw); err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true

	res := &Result{}
	sawRoot := false
	entries := 0

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !sawRoot {
			if se.Name.Space != atomNS || se.Name.Local != "feed" {
				return nil, fmt.Errorf("%w: unexpected root element %q", ErrMalformedFeed, se.Name.Local)
			}
			sawRoot = true
			continue
		}

		switch {
		case se.Name.Space == atomNS && se.Name.Local == "entry":
			if entries >= opts.MaxEntries {
				res.Truncated = true
				return res, nil
			}
			entries++

			var e atomEntry
			if err := dec.DecodeElement(&e, &se); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
			}
			item, ok := toCandidate(e, opts)
			if !ok {
				res.Skipped++
				continue
			}
			res.Items = append(res.Items, item)

		case se.Name.Space == tombstonesNS && se.Name.Local == "deleted-entry":
			var d deletedEntry
			if err := dec.DecodeElement(&d, &se); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
			}
			if id := strings.TrimPrefix(d.Ref, "yt:video:"); validation.IsValidVideoID(id) {
				res.DeletedIDs = append(res.DeletedIDs, id)
			}

		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: missing feed element", ErrMalformedFeed)
	}
	return res, nil
}

func toCandidate(e atomEntry, opts Options) (models.CandidateItem, bool) {
	id := strings.TrimSpace(e.VideoID)
	if !validation.IsValidVideoID(id) {
		return models.CandidateItem{}, false
	}
	channelID := strings.TrimSpace(e.ChannelID)
	if channelID != "" && !validation.IsValidChannelID(channelID) {
		return models.CandidateItem{}, false
	}

	published := parseTime(e.Published)
	if published.IsZero() {
		published = parseTime(e.Updated)
	}

	item := models.CandidateItem{
		ID:          id,
		ChannelID:   channelID,
		Title:       SanitizeTitle(e.Title, opts.MaxTitleLen),
		PublishedAt: published,
		Origin:      opts.Origin,
	}
	if e.Group != nil {
		item.ThumbnailURL = e.Group.Thumbnail.URL
	}
	if item.ThumbnailURL == "" {
		item.ThumbnailURL = "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
	}
	return item, true
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SanitizeTitle decodes a fixed set of HTML entities, drops control
// characters, collapses whitespace and caps the result at maxLen runes.
func SanitizeTitle(s string, maxLen int) string {
	s = titleEntities.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	out := b.String()
	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		runes := []rune(out)
		out = string(runes[:maxLen])
	}
	return out
}
