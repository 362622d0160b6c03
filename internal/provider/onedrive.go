package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// OneDriveClient tracks a drive through the Microsoft Graph delta API.
// Graph folds full listing and incremental changes into one endpoint,
// so cursors here are delta/next links.
type OneDriveClient struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewOneDriveClient(accessToken string) *OneDriveClient {
	return &OneDriveClient{
		baseURL: graphBaseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		token:   accessToken,
	}
}

type graphItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         *int64 `json:"size"`
	ETag         string `json:"eTag"`
	CTag         string `json:"cTag"`
	LastModified string `json:"lastModifiedDateTime"`
	Deleted      *struct {
		State string `json:"state"`
	} `json:"deleted"`
	Folder *struct{} `json:"folder"`
	File   *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	ParentReference *struct {
		ID string `json:"id"`
	} `json:"parentReference"`
}

func (g *graphItem) toItem() *Item {
	item := &Item{
		ID:        g.ID,
		Name:      g.Name,
		IsFolder:  g.Folder != nil,
		SizeBytes: g.Size,
		ETag:      g.ETag,
		// cTag changes only when content changes.
		Revision: g.CTag,
	}
	if g.File != nil {
		item.MimeType = g.File.MimeType
	}
	if g.ParentReference != nil {
		item.ParentID = g.ParentReference.ID
	}
	if g.LastModified != "" {
		if ts, err := time.Parse(time.RFC3339, g.LastModified); err == nil {
			item.ModifiedAt = &ts
		}
	}
	return item
}

// StartCursor asks for a delta link representing the current state
// without enumerating it.
func (c *OneDriveClient) StartCursor(ctx context.Context) (string, error) {
	var resp struct {
		DeltaLink string `json:"@odata.deltaLink"`
	}
	if err := c.get(ctx, c.baseURL+"/me/drive/root/delta?token=latest", &resp, false); err != nil {
		return "", err
	}
	return resp.DeltaLink, nil
}

// Changes walks the delta feed. An empty cursor enumerates the whole
// drive; a delta link resumes from the recorded state.
func (c *OneDriveClient) Changes(ctx context.Context, cursor string, pageSize int) (ChangePage, error) {
	endpoint := cursor
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/me/drive/root/delta?$top=%d", c.baseURL, pageSize)
	}

	var resp struct {
		NextLink  string      `json:"@odata.nextLink"`
		DeltaLink string      `json:"@odata.deltaLink"`
		Value     []graphItem `json:"value"`
	}
	if err := c.get(ctx, endpoint, &resp, true); err != nil {
		return ChangePage{}, err
	}

	page := ChangePage{}
	for i := range resp.Value {
		entry := &resp.Value[i]
		event := ChangeEvent{ItemID: entry.ID}
		if entry.Deleted != nil {
			event.Removed = true
		} else {
			event.Item = entry.toItem()
		}
		page.Events = append(page.Events, event)
	}
	switch {
	case resp.NextLink != "":
		page.NextCursor = resp.NextLink
	case resp.DeltaLink != "":
		page.NextCursor = resp.DeltaLink
		page.Exhausted = true
	default:
		page.Exhausted = true
	}
	return page, nil
}

// Download streams the item's content, following the Graph redirect.
func (c *OneDriveClient) Download(ctx context.Context, itemID string) (io.ReadCloser, error) {
	endpoint := c.baseURL + "/me/drive/items/" + url.PathEscape(itemID) + "/content"
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
		return nil, graphStatusError(resp, false)
	}
	return resp.Body, nil
}

func (c *OneDriveClient) get(ctx context.Context, endpoint string, out any, cursorOp bool) error {
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
		return graphStatusError(resp, cursorOp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func graphStatusError(resp *http.Response, cursorOp bool) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("graph api: %s: %s", resp.Status, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Cause: err}
	case cursorOp && resp.StatusCode == http.StatusGone:
		// Graph signals delta token expiry with 410 and expects a full
		// resync.
		return fmt.Errorf("%w: %v", ErrCursorInvalidated, err)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return &TransientError{Cause: err, RetryAfter: retryAfter(resp)}
	default:
		return err
	}
}
