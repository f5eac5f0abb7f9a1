// Package bookmeter holds the target-site primitives: endpoint builders,
// typed JSON payloads and the extraction pipeline that turns raw fetches
// into Book records.
package bookmeter

import (
	"fmt"
	"net/http"
	"net/url"
)

// BaseURL is the root of the target site.
const BaseURL = "https://bookmeter.com"

// Source tags persisted reviews that originate from the site itself.
const Source = "bookmeter"

// RequestHeaders are applied to plain HTTP fetches so they resemble a
// regular browser session.
func RequestHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Referer", "https://www.google.com")
	h.Set("DNT", "1")
	return h
}

// SearchURL builds a keyword search listing URL. The partial flag asks the
// site for a partial render, which carries the same anchors with less chrome.
func SearchURL(keyword string, page int, partial bool) string {
	u := fmt.Sprintf("%s/search?author=&keyword=%s&sort=release_date&type=japanese_v2&page=%d",
		BaseURL, url.QueryEscape(keyword), page)
	if partial {
		u += "&partial=true"
	}
	return u
}

// AuthorURL builds the related-books-by-author JSON endpoint for a book.
func AuthorURL(bookID int64, limit int) string {
	return fmt.Sprintf("%s/api/v1/books/%d/related_books/author?limit=%d", BaseURL, bookID, limit)
}

// ReviewURL builds the reviews JSON endpoint for a book.
func ReviewURL(bookID int64, offset, limit int) string {
	return fmt.Sprintf("%s/books/%d/reviews.json?offset=%d&limit=%d", BaseURL, bookID, offset, limit)
}

// StoreLookupURL builds the external-marketplace-lookup JSON endpoint.
func StoreLookupURL(bookID int64) string {
	return fmt.Sprintf("%s/api/v1/books/%d/external_book_stores", BaseURL, bookID)
}

// LoginURL is the credential form page.
func LoginURL() string { return BaseURL + "/login" }

// HomeURL is the landing page reached after a successful login.
func HomeURL() string { return BaseURL + "/home" }
