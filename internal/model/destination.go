package model

import "fmt"

// Destination selects where an encoded job result is delivered. Exactly one
// variant must be set, mirroring the Format union.
type Destination struct {
	Download *DownloadDestination `json:"download,omitempty"`
	Email    *EmailDestination    `json:"email,omitempty"`
	Catalog  *CatalogDestination  `json:"catalog,omitempty"`
}

// DownloadDestination stores the result for retrieval by URL. ResultURL is
// filled by the sink after delivery; any caller-supplied value is overwritten.
type DownloadDestination struct {
	ResultURL string `json:"result_url,omitempty"`
}

// EmailDestination sends the result as an email attachment.
type EmailDestination struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// CatalogDestination writes the result into a catalog as a new image.
type CatalogDestination struct {
	CatalogID string `json:"catalog_id"`
	ImageName string `json:"image_name"`
}

// Validate checks that exactly one destination variant is active, and that
// the active variant carries its required fields.
func (d Destination) Validate() error {
	n := 0
	if d.Download != nil {
		n++
	}
	if d.Email != nil {
		n++
	}
	if d.Catalog != nil {
		n++
	}
	if n == 0 {
		return fmt.Errorf("%w: destination selects no variant", ErrInvalidArgument)
	}
	if n > 1 {
		return fmt.Errorf("%w: destination selects %d variants, want exactly one", ErrInvalidArgument, n)
	}

	if d.Email != nil && d.Email.To == "" {
		return fmt.Errorf("%w: email destination requires 'to'", ErrInvalidArgument)
	}
	if d.Catalog != nil && (d.Catalog.CatalogID == "" || d.Catalog.ImageName == "") {
		return fmt.Errorf("%w: catalog destination requires 'catalog_id' and 'image_name'", ErrInvalidArgument)
	}
	return nil
}

// Kind returns the name of the active variant. Only meaningful after Validate.
func (d Destination) Kind() string {
	switch {
	case d.Download != nil:
		return "download"
	case d.Email != nil:
		return "email"
	case d.Catalog != nil:
		return "catalog"
	}
	return ""
}
