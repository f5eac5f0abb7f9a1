package bookmeter

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const bookPathPrefix = "/books/"

// minReviewLength is the exclusive lower bound on review text length.
const minReviewLength = 10

// SearchIDs extracts the deduplicated set of book ids referenced by
// /books/<digits> anchors in a search results page. Malformed input yields
// an empty slice, never an error. Ids are returned ascending so a keyword
// task processes them deterministically within a run.
func SearchIDs(html string) []int64 {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := make(map[int64]struct{})
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || !strings.HasPrefix(href, bookPathPrefix) {
			return
		}
		segments := strings.Split(href, "/")
		id, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
		if err != nil {
			return
		}
		seen[id] = struct{}{}
	})
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// JSONFromHTML locates an embedded JSON object in raw endpoint output.
// It first takes the substring from the first "{" to the last "}" and
// validates it; endpoints that wrap their JSON in a <pre> envelope get a
// second pass over the <pre> text. Returns nil when no object can be
// recovered; it never fails.
func JSONFromHTML(text string) json.RawMessage {
	if raw := braceSubstring(text); json.Valid(raw) {
		return raw
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil
	}
	pre := doc.Find("pre").First().Text()
	if pre == "" {
		return nil
	}
	if raw := braceSubstring(pre); json.Valid(raw) {
		return raw
	}
	return nil
}

func braceSubstring(text string) json.RawMessage {
	left := strings.Index(text, "{")
	right := strings.LastIndex(text, "}")
	if left == -1 || right == -1 || right < left {
		return nil
	}
	return json.RawMessage(text[left : right+1])
}

// DecodeAuthorResponse decodes a related-books payload. A nil or
// non-conforming payload yields nil rather than an error; downstream treats
// that as "no resources".
func DecodeAuthorResponse(raw json.RawMessage) *AuthorResponse {
	if raw == nil {
		return nil
	}
	var resp AuthorResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

// DecodeReviewList decodes a reviews payload, nil on failure.
func DecodeReviewList(raw json.RawMessage) *ReviewListResponse {
	if raw == nil {
		return nil
	}
	var resp ReviewListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

// WantedReview reports whether a review text survives the content filter:
// non-empty and longer than ten characters. The bound counts characters,
// not bytes; most review text on the site is multibyte.
func WantedReview(text string) bool {
	return utf8.RuneCountInString(text) > minReviewLength
}

// WantedBook reports whether a book should be persisted: it must carry at
// least one wanted review and its title must contain none of the unwanted
// keywords (case-sensitive substring match).
func WantedBook(book *Book, unwantedTitleKeywords []string) bool {
	if book == nil || len(book.Reviews) == 0 {
		return false
	}
	for _, kw := range unwantedTitleKeywords {
		if kw != "" && strings.Contains(book.Title, kw) {
			return false
		}
	}
	return true
}

// FilterReviews keeps the wanted review texts from a decoded review list.
func FilterReviews(resp *ReviewListResponse) []string {
	if resp == nil {
		return nil
	}
	var texts []string
	for _, r := range resp.Resources {
		if WantedReview(r.Content) {
			texts = append(texts, r.Content)
		}
	}
	return texts
}

var publishedAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParsePublishedAt parses the site's published-at string, defaulting to the
// epoch sentinel when absent or unparseable. The result is normalized to UTC.
func ParsePublishedAt(value string) time.Time {
	for _, layout := range publishedAtLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

// BuildBook constructs a Book from an author resource plus the review texts
// gathered in the same pass.
func BuildBook(res AuthorResource, reviews []string) Book {
	return Book{
		ID:                res.ID,
		Title:             res.Title,
		Author:            res.Author.Name,
		URL:               BaseURL + res.Path,
		PublishedAt:       ParsePublishedAt(res.PublishedAt),
		ImageURL:          res.ImageURL,
		Page:              res.Page,
		RegistrationCount: res.RegistrationCount,
		Reviews:           reviews,
	}
}
