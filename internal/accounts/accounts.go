// Package accounts parses the account roster supplied with a workflow start
// request. The roster is header-driven CSV or TSV; username and password are
// required, every other column feeds a specific workflow type.
package accounts

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// Post is one piece of content to publish for an account.
type Post struct {
	Type        string // "video" or "image"
	Description string
	MediaURLs   []string
}

// Setup holds the profile-configuration fields for setup/custom workflows.
type Setup struct {
	NewUsername       string
	NewDisplayName    string
	Bio               string
	ProfilePictureURL string
	HighlightTitle    string
	HighlightCoverURL string
}

// Account is one roster row.
type Account struct {
	Username string
	Password string
	Posts    []Post
	Setup    Setup
}

// HasSetupData reports whether any setup column was provided for the row.
func (a Account) HasSetupData() bool {
	return a.Setup != Setup{}
}

const (
	colUsername          = "username"
	colPassword          = "password"
	colNewUsername       = "new_username"
	colNewDisplayName    = "new_display_name"
	colBio               = "bio"
	colProfilePictureURL = "profile_picture_url"
	colHighlightTitle    = "highlight_title"
	colHighlightCoverURL = "highlight_cover_url"
)

// Parse reads a CSV or TSV roster. The delimiter is detected from the header
// line: a tab anywhere in it selects TSV.
func Parse(data string) ([]Account, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("account data is empty")
	}

	reader := csv.NewReader(strings.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	if firstLine, _, _ := strings.Cut(data, "\n"); strings.Contains(firstLine, "\t") {
		reader.Comma = '\t'
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing account data: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("account data needs a header row and at least one account")
	}

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := header[colUsername]; !ok {
		return nil, fmt.Errorf("account data is missing the %q column", colUsername)
	}
	if _, ok := header[colPassword]; !ok {
		return nil, fmt.Errorf("account data is missing the %q column", colPassword)
	}

	accounts := make([]Account, 0, len(records)-1)
	for rowNum, row := range records[1:] {
		field := func(name string) string {
			idx, ok := header[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		account := Account{
			Username: field(colUsername),
			Password: field(colPassword),
			Setup: Setup{
				NewUsername:       field(colNewUsername),
				NewDisplayName:    field(colNewDisplayName),
				Bio:               field(colBio),
				ProfilePictureURL: field(colProfilePictureURL),
				HighlightTitle:    field(colHighlightTitle),
				HighlightCoverURL: field(colHighlightCoverURL),
			},
		}
		if account.Username == "" {
			return nil, fmt.Errorf("row %d: username is required", rowNum+2)
		}
		if account.Password == "" {
			return nil, fmt.Errorf("row %d: password is required", rowNum+2)
		}

		for _, prefix := range []string{"post1", "post2"} {
			post, ok, err := parsePost(field, prefix)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", rowNum+2, err)
			}
			if ok {
				account.Posts = append(account.Posts, post)
			}
		}

		accounts = append(accounts, account)
	}

	return accounts, nil
}

// parsePost reads the post<N>_type/_description/_media columns for one slot.
// A slot with no type and no media is simply absent.
func parsePost(field func(string) string, prefix string) (Post, bool, error) {
	postType := strings.ToLower(field(prefix + "_type"))
	media := field(prefix + "_media")
	if postType == "" && media == "" {
		return Post{}, false, nil
	}

	switch postType {
	case "video", "image":
	default:
		return Post{}, false, fmt.Errorf("%s_type must be \"video\" or \"image\", got %q", prefix, postType)
	}
	if media == "" {
		return Post{}, false, fmt.Errorf("%s_media is required when %s_type is set", prefix, prefix)
	}

	var urls []string
	for _, u := range strings.Split(media, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return Post{}, false, fmt.Errorf("%s_media contains no URLs", prefix)
	}

	return Post{
		Type:        postType,
		Description: field(prefix + "_description"),
		MediaURLs:   urls,
	}, true, nil
}
