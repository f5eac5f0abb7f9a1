// Package amazon harvests marketplace reviews as a best-effort secondary
// source. Every failure here reduces to an empty result; the primary book
// is never blocked by marketplace trouble.
package amazon

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/yomitai/bookmeter-crawler/internal/bookmeter"
)

// Source tags reviews harvested from the marketplace.
const Source = "amazon"

// reviewsPerFullPage is the block count below which a listing page is
// treated as the last one.
const reviewsPerFullPage = 10

// minCombinedLength is the exclusive lower bound on title+body length.
const minCombinedLength = 10

// PageFetcher is the dual-path fetch operation the harvester rides on.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, tolerateError bool) (string, error)
}

// Harvester walks from a book id to the marketplace review listing.
type Harvester struct {
	fetcher  PageFetcher
	maxPages int
	logger   *zap.Logger
}

// New builds a Harvester paginating at most maxPages listing pages.
func New(fetcher PageFetcher, maxPages int, logger *zap.Logger) *Harvester {
	if maxPages <= 0 {
		maxPages = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{fetcher: fetcher, maxPages: maxPages, logger: logger}
}

// Reviews resolves the marketplace review texts for a book. The chain is
// store lookup -> product page -> see-all-reviews link -> paginated
// listing; any broken link in the chain yields an empty slice.
func (h *Harvester) Reviews(ctx context.Context, bookID int64) []bookmeter.Review {
	productURL := h.lookupProductURL(ctx, bookID)
	if productURL == "" {
		return nil
	}
	listingURL := h.findReviewListing(ctx, productURL)
	if listingURL == "" {
		return nil
	}

	var reviews []bookmeter.Review
	for page := 1; page <= h.maxPages; page++ {
		pageURL, err := withPageNumber(listingURL, page)
		if err != nil {
			h.logger.Warn("bad review listing url", zap.String("url", listingURL), zap.Error(err))
			return reviews
		}
		html, err := h.fetcher.Fetch(ctx, pageURL, true)
		if err != nil || html == "" {
			return reviews
		}
		texts, blocks := extractReviewTexts(html)
		for _, text := range texts {
			reviews = append(reviews, bookmeter.Review{BookID: bookID, Source: Source, Text: text})
		}
		if blocks < reviewsPerFullPage {
			break // short page, treat as the last one
		}
	}
	return reviews
}

// lookupProductURL queries the store-lookup endpoint and picks the amazon
// entry from the marketplace name -> URL mapping.
func (h *Harvester) lookupProductURL(ctx context.Context, bookID int64) string {
	raw, err := h.fetcher.Fetch(ctx, bookmeter.StoreLookupURL(bookID), true)
	if err != nil || raw == "" {
		return ""
	}
	payload := bookmeter.JSONFromHTML(raw)
	if payload == nil {
		return ""
	}
	var stores map[string]string
	if err := json.Unmarshal(payload, &stores); err != nil {
		return ""
	}
	for name, storeURL := range stores {
		if strings.EqualFold(name, Source) {
			return storeURL
		}
	}
	return ""
}

// findReviewListing locates the see-all-reviews link on the product page.
// A missing link, or one that does not point at a reviews listing path,
// means no reviews.
func (h *Harvester) findReviewListing(ctx context.Context, productURL string) string {
	html, err := h.fetcher.Fetch(ctx, productURL, true)
	if err != nil || html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	href, ok := doc.Find(`a[data-hook="see-all-reviews-link-foot"]`).First().Attr("href")
	if !ok {
		doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if v, has := sel.Attr("href"); has && strings.Contains(v, "/product-reviews/") {
				href, ok = v, true
				return false
			}
			return true
		})
	}
	if !ok || !strings.Contains(href, "/product-reviews/") {
		return ""
	}
	return resolveHref(productURL, href)
}

// extractReviewTexts pulls title+body pairs from the listing's review
// blocks, keeping those whose combined text is long enough. The second
// return value is the raw block count, used by the last-page heuristic.
func extractReviewTexts(html string) ([]string, int) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, 0
	}
	var texts []string
	blocks := doc.Find(`div[data-hook="review"]`)
	blocks.Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find(`a[data-hook="review-title"]`).First().Text())
		body := strings.TrimSpace(sel.Find(`span[data-hook="review-body"]`).First().Text())
		combined := strings.TrimSpace(title + "\n" + body)
		// Character count, not bytes: marketplace reviews are mostly
		// multibyte text.
		if utf8.RuneCountInString(combined) > minCombinedLength {
			texts = append(texts, combined)
		}
	})
	return texts, blocks.Length()
}

// withPageNumber rewrites or appends the pageNumber query parameter.
func withPageNumber(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("pageNumber", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func resolveHref(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
