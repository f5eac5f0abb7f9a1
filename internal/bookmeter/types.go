package bookmeter

import "time"

// Metadata is the paging envelope shared by the site's JSON endpoints.
type Metadata struct {
	Sort           string `json:"sort"`
	Order          string `json:"order"`
	Offset         int    `json:"offset"`
	PreviousCursor int    `json:"previous_cursor"`
	NextCursor     int    `json:"next_cursor"`
	Limit          int    `json:"limit"`
	Count          int    `json:"count"`
	UnreadCount    *int   `json:"unread_count,omitempty"`
}

// User identifies the site member attached to a review.
type User struct {
	ID    int64  `json:"id"`
	Path  string `json:"path"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Nice carries the like counter on a review.
type Nice struct {
	Path   string `json:"path"`
	Count  int    `json:"count"`
	Marked bool   `json:"marked"`
}

// Netabare flags spoiler handling on a review.
type Netabare struct {
	Netabare       bool `json:"netabare"`
	DisplayContent bool `json:"display_content"`
	DisplayComment bool `json:"display_comment"`
	IsClicked      bool `json:"is_clicked"`
}

// ReviewContents holds optional media attached to a review.
type ReviewContents struct {
	ImageURL *string `json:"image_url,omitempty"`
}

// ReviewResource is one review entry from the reviews JSON endpoint.
type ReviewResource struct {
	ID         int64          `json:"id"`
	Path       string         `json:"path"`
	Deletable  bool           `json:"deletable"`
	ContentTag string         `json:"content_tag"`
	Content    string         `json:"content"`
	CreatedAt  string         `json:"created_at"`
	Highlight  bool           `json:"highlight"`
	Newly      bool           `json:"newly"`
	Contents   ReviewContents `json:"contents"`
	User       User           `json:"user"`
	Nice       Nice           `json:"nice"`
	Netabare   Netabare       `json:"netabare"`
}

// ReviewListResponse is the envelope of the reviews JSON endpoint.
type ReviewListResponse struct {
	Metadata  Metadata         `json:"metadata"`
	Resources []ReviewResource `json:"resources"`
}

// Author describes the writer of a book resource.
type Author struct {
	Path    string  `json:"path"`
	ID      *int64  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Profile *string `json:"profile,omitempty"`
	Awards  *string `json:"awards,omitempty"`
}

// Role names the contribution of an author (writer, illustrator, ...).
type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AuthorAndRole pairs an author with their role on a book.
type AuthorAndRole struct {
	Author Author `json:"author"`
	Role   Role   `json:"role"`
}

// AmazonURLs carries the site's own outbound marketplace links.
type AmazonURLs struct {
	Outline      string `json:"outline"`
	Registration string `json:"registration"`
	WishBook     string `json:"wish_book"`
}

// AuthorResource is one book entry from the related-books-by-author endpoint.
type AuthorResource struct {
	ID                int64           `json:"id"`
	Path              string          `json:"path"`
	Title             string          `json:"title"`
	ImageURL          string          `json:"image_url"`
	RegistrationCount int             `json:"registration_count"`
	Page              int             `json:"page"`
	Original          bool            `json:"original"`
	IsAdvertisable    bool            `json:"is_advertisable"`
	PublishedAt       string          `json:"published_at"`
	Author            Author          `json:"author"`
	AuthorAndRoles    []AuthorAndRole `json:"author_and_roles"`
	ReadBookCount     int             `json:"read_book_count"`
	AmazonURLs        *AmazonURLs     `json:"amazon_urls,omitempty"`
}

// AuthorResponse is the envelope of the related-books-by-author endpoint.
type AuthorResponse struct {
	Metadata  Metadata         `json:"metadata"`
	Title     string           `json:"title"`
	MorePath  *string          `json:"more_path,omitempty"`
	Resources []AuthorResource `json:"resources"`
}

// Book is the crawl output for one book resource. ID is the site-assigned
// identifier and is immutable across crawls.
type Book struct {
	ID                int64
	Title             string
	Author            string
	URL               string
	PublishedAt       time.Time
	ImageURL          string
	Page              int
	RegistrationCount int
	Reviews           []string
}

// Review is one persisted review row, keyed by (BookID, Source, Text).
type Review struct {
	BookID int64
	Source string
	Text   string
}

// ReviewsOf expands a book's gathered review texts into Review rows for
// the given source tag.
func ReviewsOf(book Book, source string) []Review {
	reviews := make([]Review, 0, len(book.Reviews))
	for _, text := range book.Reviews {
		reviews = append(reviews, Review{BookID: book.ID, Source: source, Text: text})
	}
	return reviews
}
