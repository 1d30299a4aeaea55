// This package uploads message attachments. Files are hashed, checked for an existing copy on the
// file server, encrypted under a key derived from their content and registered for the audience
// of the conversation.
package attachment

import (
	"context"
	"fmt"
	"io"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// FileAPI is the file server as seen by the uploader.
type FileAPI interface {
	Check(ctx context.Context, fileHash string, numbers []string) (*Existing, error)
	Upload(ctx context.Context, url string, body io.Reader) error
	Register(ctx context.Context, r *Registration) (int64, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Existing is the file server's answer to an existence check. When Exists is false URL is where
// the encrypted file must be put and AttachmentID names the slot.
type Existing struct {
	Exists       bool   `json:"exists"`
	AttachmentID string `json:"attachmentId"`
	AuthorizeID  int64  `json:"authorizeId"`
	CipherHash   string `json:"cipherHash"`
	URL          string `json:"url"`
}

type Registration struct {
	Token          string   `json:"token"`
	Numbers        []string `json:"numbers"`
	AttachmentID   string   `json:"attachmentId"`
	FileHash       string   `json:"fileHash"`
	CipherHash     string   `json:"cipherHash"`
	CipherHashType string   `json:"cipherHashType"`
	HashAlg        string   `json:"hashAlg"`
	KeyAlg         string   `json:"keyAlg"`
	EncAlg         string   `json:"encAlg"`
	FileSize       int64    `json:"fileSize"`
}

type checkRequest struct {
	Token    string   `json:"token"`
	FileHash string   `json:"fileHash"`
	Numbers  []string `json:"numbers"`
}

type response struct {
	Status int       `json:"status"`
	Reason string    `json:"reason"`
	Data   *Existing `json:"data"`
}

// ServerError is a failed file server call, decoded from the error body when there is one.
type ServerError struct {
	Path       string `json:"-"`
	HTTPStatus int    `json:"-"`
	Status     int    `json:"status"`
	Reason     string `json:"reason"`
}

func (se *ServerError) Error() string {
	return fmt.Sprintf("attachment: %s returned %d (status=%d reason=%s)", se.Path, se.HTTPStatus, se.Status, se.Reason)
}

type HTTPFileAPI struct {
	log    *zap.SugaredLogger
	client *resty.Client
	tokens TokenSource
}

func NewHTTPFileAPI(c *config.Config, tokens TokenSource) *HTTPFileAPI {
	return &HTTPFileAPI{
		log: c.Logger("attachment/api"),
		client: resty.New().
			SetBaseURL(c.FileServerURL).
			SetTimeout(c.RequestTimeout()).
			SetHeader("Content-Type", "application/json"),
		tokens: tokens,
	}
}

func (api *HTTPFileAPI) post(ctx context.Context, path string, body interface{}) (*Existing, error) {
	r := &response{}
	se := &ServerError{}
	resp, err := api.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(r).
		SetError(se).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("attachment: error calling %s: %w", path, err)
	}
	if resp.IsError() {
		se.Path, se.HTTPStatus = path, resp.StatusCode()
		return nil, se
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("attachment: unexpected status from %s: %d", path, resp.StatusCode())
	}
	if r.Status != 0 || r.Data == nil {
		return nil, &ServerError{Path: path, HTTPStatus: resp.StatusCode(), Status: r.Status, Reason: r.Reason}
	}
	return r.Data, nil
}

func (api *HTTPFileAPI) Check(ctx context.Context, fileHash string, numbers []string) (*Existing, error) {
	token, err := api.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return api.post(ctx, "v1/file/isExists", &checkRequest{Token: token, FileHash: fileHash, Numbers: numbers})
}

func (api *HTTPFileAPI) Upload(ctx context.Context, url string, body io.Reader) error {
	resp, err := api.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(body).
		Put(url)
	if err != nil {
		return fmt.Errorf("attachment: error uploading: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("attachment: unexpected upload status %d", resp.StatusCode())
	}
	return nil
}

func (api *HTTPFileAPI) Register(ctx context.Context, r *Registration) (int64, error) {
	token, err := api.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}
	r.Token = token
	e, err := api.post(ctx, "v1/file/uploadInfo", r)
	if err != nil {
		return 0, err
	}
	api.log.Debugf("registered attachment %s as %d", r.AttachmentID, e.AuthorizeID)
	return e.AuthorizeID, nil
}
