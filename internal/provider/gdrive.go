package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	gdriveBaseURL      = "https://www.googleapis.com/drive/v3"
	gdriveFolderMime   = "application/vnd.google-apps.folder"
	gdriveFileFields   = "id,name,mimeType,parents,size,modifiedTime,version,headRevisionId,trashed"
	defaultHTTPTimeout = 60 * time.Second
)

// Listing continuation tokens share the cursor channel with change
// tokens; the prefix keeps the two namespaces apart.
const listCursorPrefix = "list:"

// GoogleDriveClient talks to the Drive v3 REST API with a bearer
// token.
type GoogleDriveClient struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewGoogleDriveClient(accessToken string) *GoogleDriveClient {
	return &GoogleDriveClient{
		baseURL: gdriveBaseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		token:   accessToken,
	}
}

type gdriveFile struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	MimeType       string   `json:"mimeType"`
	Parents        []string `json:"parents"`
	Size           string   `json:"size"`
	ModifiedTime   string   `json:"modifiedTime"`
	Version        string   `json:"version"`
	HeadRevisionID string   `json:"headRevisionId"`
	Trashed        bool     `json:"trashed"`
}

func (f *gdriveFile) toItem() *Item {
	item := &Item{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		IsFolder: f.MimeType == gdriveFolderMime,
		ETag:     f.Version,
		Revision: f.HeadRevisionID,
	}
	if len(f.Parents) > 0 {
		item.ParentID = f.Parents[0]
	}
	if f.Size != "" {
		if size, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			item.SizeBytes = &size
		}
	}
	if f.ModifiedTime != "" {
		if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			item.ModifiedAt = &ts
		}
	}
	return item
}

// StartCursor fetches the token representing the current head of the
// change feed.
func (c *GoogleDriveClient) StartCursor(ctx context.Context) (string, error) {
	var resp struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.get(ctx, "/changes/startPageToken", nil, &resp); err != nil {
		return "", err
	}
	return resp.StartPageToken, nil
}

// Changes pages through the change feed, or through a full file
// listing when cursor is empty or a listing continuation.
func (c *GoogleDriveClient) Changes(ctx context.Context, cursor string, pageSize int) (ChangePage, error) {
	if cursor == "" || strings.HasPrefix(cursor, listCursorPrefix) {
		return c.listPage(ctx, strings.TrimPrefix(cursor, listCursorPrefix), pageSize)
	}
	return c.changesPage(ctx, cursor, pageSize)
}

func (c *GoogleDriveClient) listPage(ctx context.Context, pageToken string, pageSize int) (ChangePage, error) {
	query := url.Values{
		"q":        {"trashed = false"},
		"pageSize": {strconv.Itoa(pageSize)},
		"fields":   {"nextPageToken,files(" + gdriveFileFields + ")"},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	var resp struct {
		NextPageToken string       `json:"nextPageToken"`
		Files         []gdriveFile `json:"files"`
	}
	if err := c.get(ctx, "/files", query, &resp); err != nil {
		return ChangePage{}, err
	}

	page := ChangePage{}
	for i := range resp.Files {
		file := &resp.Files[i]
		page.Events = append(page.Events, ChangeEvent{ItemID: file.ID, Item: file.toItem()})
	}
	if resp.NextPageToken == "" {
		page.Exhausted = true
	} else {
		page.NextCursor = listCursorPrefix + resp.NextPageToken
	}
	return page, nil
}

func (c *GoogleDriveClient) changesPage(ctx context.Context, cursor string, pageSize int) (ChangePage, error) {
	query := url.Values{
		"pageToken": {cursor},
		"pageSize":  {strconv.Itoa(pageSize)},
		"fields":    {"nextPageToken,newStartPageToken,changes(fileId,removed,file(" + gdriveFileFields + "))"},
	}

	var resp struct {
		NextPageToken     string `json:"nextPageToken"`
		NewStartPageToken string `json:"newStartPageToken"`
		Changes           []struct {
			FileID  string      `json:"fileId"`
			Removed bool        `json:"removed"`
			File    *gdriveFile `json:"file"`
		} `json:"changes"`
	}
	if err := c.get(ctx, "/changes", query, &resp); err != nil {
		return ChangePage{}, err
	}

	page := ChangePage{}
	for _, change := range resp.Changes {
		event := ChangeEvent{ItemID: change.FileID, Removed: change.Removed}
		if change.File != nil {
			if change.File.Trashed {
				// Trashing counts as removal for backup purposes.
				event.Removed = true
			} else {
				event.Item = change.File.toItem()
			}
		}
		page.Events = append(page.Events, event)
	}
	switch {
	case resp.NextPageToken != "":
		page.NextCursor = resp.NextPageToken
	case resp.NewStartPageToken != "":
		page.NextCursor = resp.NewStartPageToken
		page.Exhausted = true
	default:
		page.Exhausted = true
	}
	return page, nil
}

// Download streams the file's binary content.
func (c *GoogleDriveClient) Download(ctx context.Context, itemID string) (io.ReadCloser, error) {
	endpoint := c.baseURL + "/files/" + url.PathEscape(itemID) + "?alt=media"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, gdriveStatusError(resp, false)
	}
	return resp.Body, nil
}

func (c *GoogleDriveClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return gdriveStatusError(resp, strings.Contains(path, "/changes"))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// gdriveStatusError maps Drive HTTP failures onto the sync engine's
// error taxonomy. cursorOp marks calls whose 4xx responses mean the
// page token expired rather than a bad request.
func gdriveStatusError(resp *http.Response, cursorOp bool) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("drive api: %s: %s", resp.Status, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Cause: err}
	case cursorOp && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone):
		return fmt.Errorf("%w: %v", ErrCursorInvalidated, err)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		// Forbidden from Drive is usually a rate limit, not a
		// permission problem.
		return &TransientError{Cause: err, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{Cause: err}
	default:
		return err
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
