package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
)

// folderMime is the special mime type marking a remote folder object.
const folderMime = "application/vnd.google-apps.folder"

// listPageSize is the pageSize value for list requests (API maximum 1000;
// 200 keeps response payloads moderate).
const listPageSize = 200

// fileFields is the fields projection requested on every file response.
const fileFields = "id,name,mimeType,size,parents,md5Checksum,trashed,thumbnailLink," +
	"imageMediaMetadata(width,height),videoMediaMetadata(durationMillis)"

// File is the normalized remote file object used by the provider.
type File struct {
	ID        string
	Name      string
	Mime      string
	Size      int64
	ParentID  string
	IsFolder  bool
	Trashed   bool
	MD5       string
	ThumbLink string
	Width     int
	Height    int
	Duration  float64 // seconds
}

// fileResponse mirrors the Drive v3 file JSON exactly. Unexported —
// callers use File via toFile() normalization.
type fileResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	MimeType      string   `json:"mimeType"`
	Size          string   `json:"size"` // int64 as decimal string
	Parents       []string `json:"parents"`
	MD5Checksum   string   `json:"md5Checksum"`
	Trashed       bool     `json:"trashed"`
	ThumbnailLink string   `json:"thumbnailLink"`
	ImageMeta     *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"imageMediaMetadata"`
	VideoMeta *struct {
		DurationMillis string `json:"durationMillis"`
	} `json:"videoMediaMetadata"`
}

type listFilesResponse struct {
	Files         []fileResponse `json:"files"`
	NextPageToken string         `json:"nextPageToken"`
}

// toFile normalizes a Drive API file response. Size and duration arrive as
// decimal strings; unparseable values degrade to zero with a warning.
func (f *fileResponse) toFile(logger *slog.Logger) File {
	out := File{
		ID:        f.ID,
		Name:      f.Name,
		Mime:      f.MimeType,
		IsFolder:  f.MimeType == folderMime,
		Trashed:   f.Trashed,
		MD5:       f.MD5Checksum,
		ThumbLink: f.ThumbnailLink,
	}

	if len(f.Parents) > 0 {
		out.ParentID = f.Parents[0]
	}

	if f.Size != "" {
		n, err := strconv.ParseInt(f.Size, 10, 64)
		if err != nil {
			logger.Warn("unparseable file size",
				slog.String("file_id", f.ID),
				slog.String("raw", f.Size),
			)
		} else {
			out.Size = n
		}
	}

	if f.ImageMeta != nil {
		out.Width = f.ImageMeta.Width
		out.Height = f.ImageMeta.Height
	}

	if f.VideoMeta != nil && f.VideoMeta.DurationMillis != "" {
		if ms, err := strconv.ParseInt(f.VideoMeta.DurationMillis, 10, 64); err == nil {
			out.Duration = float64(ms) / 1000
		}
	}

	return out
}

// decodeFile decodes a single-file response body.
func decodeFile(body io.Reader, logger *slog.Logger) (*File, error) {
	var fr fileResponse
	if err := json.NewDecoder(body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("gdrive: decoding file response: %w", err)
	}

	f := fr.toFile(logger)

	return &f, nil
}

// GetFile retrieves a single remote file by id.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	path := fmt.Sprintf("/files/%s?fields=%s", url.PathEscape(fileID), url.QueryEscape(fileFields))

	resp, err := c.Do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeFile(resp.Body, c.logger)
}

// ListChildren returns all non-trashed children of a remote folder,
// handling pagination automatically.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", parentID)

	return c.listAll(ctx, query, "listing remote children", slog.String("parent_id", parentID))
}

// SearchFiles returns all non-trashed files whose name contains the query.
func (c *Client) SearchFiles(ctx context.Context, nameQuery string) ([]File, error) {
	// Escape single quotes per the Drive query grammar.
	escaped := ""
	for _, r := range nameQuery {
		if r == '\'' {
			escaped += `\'`
			continue
		}

		escaped += string(r)
	}

	query := fmt.Sprintf("name contains '%s' and trashed = false", escaped)

	return c.listAll(ctx, query, "searching remote files", slog.String("query", nameQuery))
}

// listAll paginates a files.list query to exhaustion.
func (c *Client) listAll(ctx context.Context, query, logMsg string, attr slog.Attr) ([]File, error) {
	c.logger.Info(logMsg, attr)

	var (
		files     []File
		pageToken string
	)

	for {
		path := fmt.Sprintf("/files?q=%s&pageSize=%d&fields=%s",
			url.QueryEscape(query), listPageSize,
			url.QueryEscape("nextPageToken,files("+fileFields+")"))
		if pageToken != "" {
			path += "&pageToken=" + url.QueryEscape(pageToken)
		}

		resp, err := c.Do(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			return nil, err
		}

		var lfr listFilesResponse

		decErr := json.NewDecoder(resp.Body).Decode(&lfr)
		resp.Body.Close()

		if decErr != nil {
			return nil, fmt.Errorf("gdrive: decoding list response: %w", decErr)
		}

		for i := range lfr.Files {
			files = append(files, lfr.Files[i].toFile(c.logger))
		}

		if lfr.NextPageToken == "" {
			break
		}

		pageToken = lfr.NextPageToken
	}

	c.logger.Info(logMsg+" complete", attr, slog.Int("total_files", len(files)))

	return files, nil
}

// CreateFolder creates a remote folder under the given parent.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (*File, error) {
	c.logger.Info("creating remote folder",
		slog.String("name", name),
		slog.String("parent_id", parentID),
	)

	reqBody := map[string]any{
		"name":     name,
		"mimeType": folderMime,
	}
	if parentID != "" {
		reqBody["parents"] = []string{parentID}
	}

	return c.patchOrPost(ctx, http.MethodPost, "/files?fields="+url.QueryEscape(fileFields), reqBody)
}

// Rename updates a remote file's name.
func (c *Client) Rename(ctx context.Context, fileID, name string) (*File, error) {
	path := fmt.Sprintf("/files/%s?fields=%s", url.PathEscape(fileID), url.QueryEscape(fileFields))

	return c.patchOrPost(ctx, http.MethodPatch, path, map[string]any{"name": name})
}

// Move reparents a remote file using the addParents/removeParents
// operation. removeParent may be empty when the old parent is unknown
// remotely (the API treats it as an add).
func (c *Client) Move(ctx context.Context, fileID, addParent, removeParent string) (*File, error) {
	c.logger.Info("moving remote file",
		slog.String("file_id", fileID),
		slog.String("add_parent", addParent),
		slog.String("remove_parent", removeParent),
	)

	path := fmt.Sprintf("/files/%s?addParents=%s&fields=%s",
		url.PathEscape(fileID), url.QueryEscape(addParent), url.QueryEscape(fileFields))
	if removeParent != "" {
		path += "&removeParents=" + url.QueryEscape(removeParent)
	}

	return c.patchOrPost(ctx, http.MethodPatch, path, map[string]any{})
}

// SetTrashed flips the remote trashed flag.
func (c *Client) SetTrashed(ctx context.Context, fileID string, trashed bool) (*File, error) {
	path := fmt.Sprintf("/files/%s?fields=%s", url.PathEscape(fileID), url.QueryEscape(fileFields))

	return c.patchOrPost(ctx, http.MethodPatch, path, map[string]any{"trashed": trashed})
}

// Delete permanently removes a remote file, bypassing the remote trash.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	resp, err := c.Do(ctx, http.MethodDelete, "/files/"+url.PathEscape(fileID), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 204 No Content — drain to reuse the connection.
	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("gdrive: draining delete response: %w", copyErr)
	}

	return nil
}

// patchOrPost sends a JSON body and decodes the file response.
func (c *Client) patchOrPost(ctx context.Context, method, path string, body map[string]any) (*File, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gdrive: marshaling request: %w", err)
	}

	resp, err := c.Do(ctx, method, path, "", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeFile(resp.Body, c.logger)
}

// Download opens the remote file's content stream (alt=media). The caller
// must close the returned reader.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/files/%s?alt=media", url.PathEscape(fileID))

	resp, err := c.Do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// FetchThumbnail streams a pre-authenticated thumbnail link. The link
// carries its own short-lived authorization, so no bearer token is sent.
func (c *Client) FetchThumbnail(ctx context.Context, thumbLink string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbLink, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating thumbnail request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gdrive: thumbnail request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Err: classifyStatus(resp.StatusCode)}
	}

	return resp.Body, nil
}

// Upload sends file content with metadata in one multipart/related request
// (uploadType=multipart). Not retried — the content reader is one-shot.
func (c *Client) Upload(ctx context.Context, name, parentID, mime string, content io.Reader) (*File, error) {
	c.logger.Info("uploading remote file",
		slog.String("name", name),
		slog.String("parent_id", parentID),
		slog.String("mime", mime),
	)

	meta := map[string]any{"name": name}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("gdrive: marshaling upload metadata: %w", err)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating metadata part: %w", err)
	}

	if _, err := metaPart.Write(metaBytes); err != nil {
		return nil, fmt.Errorf("gdrive: writing metadata part: %w", err)
	}

	mediaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {mime}})
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating media part: %w", err)
	}

	if _, err := io.Copy(mediaPart, content); err != nil {
		return nil, fmt.Errorf("gdrive: writing media part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("gdrive: finalizing multipart body: %w", err)
	}

	path := "/files?uploadType=multipart&fields=" + url.QueryEscape(fileFields)
	contentType := "multipart/related; boundary=" + mw.Boundary()

	resp, err := c.Do(ctx, http.MethodPost, path, contentType, &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeFile(resp.Body, c.logger)
}

// aboutResponse mirrors the Drive v3 about endpoint's storageQuota block.
type aboutResponse struct {
	StorageQuota struct {
		Usage string `json:"usage"`
		Limit string `json:"limit"`
	} `json:"storageQuota"`
}

// About returns the remote account's own usage and limit in bytes.
// A missing limit (unlimited plans) reports zero.
func (c *Client) About(ctx context.Context) (used, limit int64, err error) {
	resp, err := c.Do(ctx, http.MethodGet, "/about?fields="+url.QueryEscape("storageQuota"), "", nil)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var ar aboutResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ar); decErr != nil {
		return 0, 0, fmt.Errorf("gdrive: decoding about response: %w", decErr)
	}

	used, _ = strconv.ParseInt(ar.StorageQuota.Usage, 10, 64)  //nolint:errcheck // zero on absent field
	limit, _ = strconv.ParseInt(ar.StorageQuota.Limit, 10, 64) //nolint:errcheck // zero on absent field

	return used, limit, nil
}
