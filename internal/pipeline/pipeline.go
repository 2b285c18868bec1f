// Package pipeline renders a completed computation value into the requested
// format and delivers the encoded bytes through the requested destination.
// Server-filled fields (result URLs, tokens) are populated only here.
package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/loom/internal/model"
)

// Error is an encode or delivery failure with a stable code, distinguishing
// pipeline failures from evaluator failures on the job record.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Pipeline error codes.
const (
	CodeEncodeJSON        = "ENCODE_JSON"
	CodeEncodeGeoJSON     = "ENCODE_GEOJSON"
	CodeEncodeCSV         = "ENCODE_CSV"
	CodeEncodePNG         = "ENCODE_PNG"
	CodeEncodeMsgPack     = "ENCODE_MSGPACK"
	CodeEncodePassthrough = "ENCODE_PASSTHROUGH"
	CodeDeliverDownload   = "DELIVER_DOWNLOAD"
	CodeDeliverEmail      = "DELIVER_EMAIL"
	CodeDeliverCatalog    = "DELIVER_CATALOG"
)

// EmailSender delivers an encoded result as an email attachment.
type EmailSender interface {
	Send(to, subject, body, filename string, attachment []byte, mimetype string) error
}

// resultMeta is the sidecar record stored next to each download blob.
type resultMeta struct {
	JobID     string    `json:"job_id"`
	Mimetype  string    `json:"mimetype"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline encodes and delivers finished computation values.
type Pipeline struct {
	resultsDir string
	catalogDir string
	baseURL    string
	email      EmailSender
}

// New creates a pipeline. baseURL is the externally visible server address
// used to build download URLs. email may be nil, in which case email
// delivery fails with a configuration error.
func New(resultsDir, catalogDir, baseURL string, email EmailSender) *Pipeline {
	return &Pipeline{
		resultsDir: resultsDir,
		catalogDir: catalogDir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
	}
}

// Deliver encodes value per the job's format and delivers it through the
// job's destination. It returns the result URL for destinations that have
// one ("" otherwise). A failure at either step is a *Error; no partial
// delivery counts as success.
func (p *Pipeline) Deliver(j *model.Job, value any) (string, error) {
	encoded, err := Encode(value, j.Format)
	if err != nil {
		return "", err
	}
	mimetype := j.Format.Mimetype()

	switch {
	case j.Destination.Download != nil:
		return p.deliverDownload(j, encoded, mimetype)
	case j.Destination.Email != nil:
		return "", p.deliverEmail(j, encoded, mimetype)
	case j.Destination.Catalog != nil:
		return p.deliverCatalog(j, encoded, mimetype)
	}
	return "", &Error{Code: CodeDeliverDownload, Message: "destination selects no variant"}
}

func (p *Pipeline) deliverDownload(j *model.Job, encoded []byte, mimetype string) (string, error) {
	if err := os.MkdirAll(p.resultsDir, 0o755); err != nil {
		return "", &Error{Code: CodeDeliverDownload, Message: fmt.Sprintf("create results dir: %v", err)}
	}

	token := uuid.NewString()
	blobPath := filepath.Join(p.resultsDir, token)
	if err := os.WriteFile(blobPath, encoded, 0o644); err != nil {
		return "", &Error{Code: CodeDeliverDownload, Message: fmt.Sprintf("write result blob: %v", err)}
	}

	meta, err := json.Marshal(resultMeta{JobID: j.ID, Mimetype: mimetype, CreatedAt: time.Now().UTC()})
	if err == nil {
		err = os.WriteFile(blobPath+".meta.json", meta, 0o644)
	}
	if err != nil {
		os.Remove(blobPath)
		return "", &Error{Code: CodeDeliverDownload, Message: fmt.Sprintf("write result metadata: %v", err)}
	}

	return p.baseURL + "/v1/results/" + token, nil
}

func (p *Pipeline) deliverEmail(j *model.Job, encoded []byte, mimetype string) error {
	if p.email == nil {
		return &Error{Code: CodeDeliverEmail, Message: "email delivery is not configured"}
	}

	dest := j.Destination.Email
	subject := dest.Subject
	if subject == "" {
		subject = fmt.Sprintf("Job %s finished", j.ID)
	}
	body := dest.Body
	if body == "" {
		body = fmt.Sprintf("The result of job %s is attached.", j.ID)
	}
	filename := "result" + fileExtension(j.Format)

	if err := p.email.Send(dest.To, subject, body, filename, encoded, mimetype); err != nil {
		return &Error{Code: CodeDeliverEmail, Message: fmt.Sprintf("send to %s: %v", dest.To, err)}
	}
	return nil
}

func (p *Pipeline) deliverCatalog(j *model.Job, encoded []byte, mimetype string) (string, error) {
	dest := j.Destination.Catalog
	dir := filepath.Join(p.catalogDir, dest.CatalogID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &Error{Code: CodeDeliverCatalog, Message: fmt.Sprintf("create catalog dir: %v", err)}
	}

	name := dest.ImageName + fileExtension(j.Format)
	if err := os.WriteFile(filepath.Join(dir, name), encoded, 0o644); err != nil {
		return "", &Error{Code: CodeDeliverCatalog, Message: fmt.Sprintf("write catalog entry: %v", err)}
	}

	meta, err := json.Marshal(resultMeta{JobID: j.ID, Mimetype: mimetype, CreatedAt: time.Now().UTC()})
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, name+".meta.json"), meta, 0o644)
	}
	if err != nil {
		return "", &Error{Code: CodeDeliverCatalog, Message: fmt.Sprintf("write catalog metadata: %v", err)}
	}

	return "catalog://" + dest.CatalogID + "/" + name, nil
}

// Open returns the stored download blob and its mimetype for a result token.
// os.ErrNotExist surfaces for unknown or reaped tokens.
func (p *Pipeline) Open(token string) (io.ReadCloser, string, error) {
	// Tokens are server-generated UUIDs; reject anything path-like.
	if token != filepath.Base(token) || strings.Contains(token, "..") {
		return nil, "", os.ErrNotExist
	}

	metaRaw, err := os.ReadFile(filepath.Join(p.resultsDir, token+".meta.json"))
	if err != nil {
		return nil, "", err
	}
	var meta resultMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, "", fmt.Errorf("corrupt result metadata: %w", err)
	}

	f, err := os.Open(filepath.Join(p.resultsDir, token))
	if err != nil {
		return nil, "", err
	}
	return f, meta.Mimetype, nil
}

// Discard removes the stored download blob for a job whose retention has
// expired. Destinations without stored blobs are a no-op.
func (p *Pipeline) Discard(j *model.Job) error {
	if j.Destination.Download == nil || j.ResultURL == "" {
		return nil
	}
	token := j.ResultURL[strings.LastIndex(j.ResultURL, "/")+1:]
	if token == "" || token != filepath.Base(token) {
		return nil
	}

	blobPath := filepath.Join(p.resultsDir, token)
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove result blob: %w", err)
	}
	if err := os.Remove(blobPath + ".meta.json"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove result metadata: %w", err)
	}
	return nil
}
