package model

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when a request is malformed, most commonly a
// Format or Destination with zero or multiple active variants.
var ErrInvalidArgument = errors.New("invalid argument")

// Format selects the serialization of a job result. Exactly one variant must
// be set; zero or multiple set variants is a construction error caught by
// Validate, never a stored state.
type Format struct {
	Pyarrow *PyarrowFormat `json:"pyarrow,omitempty"`
	JSON    *JSONFormat    `json:"json,omitempty"`
	GeoJSON *GeoJSONFormat `json:"geojson,omitempty"`
	CSV     *CSVFormat     `json:"csv,omitempty"`
	PNG     *PNGFormat     `json:"png,omitempty"`
	Geotiff *GeotiffFormat `json:"geotiff,omitempty"`
	MsgPack *MsgPackFormat `json:"msgpack,omitempty"`
}

// PyarrowFormat serializes to an Apache Arrow stream produced upstream.
type PyarrowFormat struct {
	Compression string `json:"compression,omitempty"`
}

// JSONFormat serializes to JSON text.
type JSONFormat struct{}

// GeoJSONFormat serializes to a GeoJSON document.
type GeoJSONFormat struct{}

// CSVFormat serializes tabular results to CSV.
type CSVFormat struct{}

// PNGFormat renders raster results to a PNG image.
type PNGFormat struct{}

// GeotiffFormat passes through a GeoTIFF payload produced upstream.
type GeotiffFormat struct {
	Tiled       *bool  `json:"tiled,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// MsgPackFormat serializes to MessagePack.
type MsgPackFormat struct{}

// Format mimetypes, fixed per variant.
const (
	MimetypePyarrow = "application/vnd.pyarrow"
	MimetypeJSON    = "application/json"
	MimetypeGeoJSON = "application/vnd.geo+json"
	MimetypeCSV     = "text/csv"
	MimetypePNG     = "image/png"
	MimetypeGeotiff = "image/tiff"
	MimetypeMsgPack = "application/msgpack"
)

// Validate checks that exactly one format variant is active.
func (f Format) Validate() error {
	n := f.activeCount()
	if n == 0 {
		return fmt.Errorf("%w: format selects no variant", ErrInvalidArgument)
	}
	if n > 1 {
		return fmt.Errorf("%w: format selects %d variants, want exactly one", ErrInvalidArgument, n)
	}
	return nil
}

func (f Format) activeCount() int {
	n := 0
	if f.Pyarrow != nil {
		n++
	}
	if f.JSON != nil {
		n++
	}
	if f.GeoJSON != nil {
		n++
	}
	if f.CSV != nil {
		n++
	}
	if f.PNG != nil {
		n++
	}
	if f.Geotiff != nil {
		n++
	}
	if f.MsgPack != nil {
		n++
	}
	return n
}

// Kind returns the name of the active variant. Only meaningful after Validate.
func (f Format) Kind() string {
	switch {
	case f.Pyarrow != nil:
		return "pyarrow"
	case f.JSON != nil:
		return "json"
	case f.GeoJSON != nil:
		return "geojson"
	case f.CSV != nil:
		return "csv"
	case f.PNG != nil:
		return "png"
	case f.Geotiff != nil:
		return "geotiff"
	case f.MsgPack != nil:
		return "msgpack"
	}
	return ""
}

// Mimetype returns the fixed mimetype of the active variant.
func (f Format) Mimetype() string {
	switch {
	case f.Pyarrow != nil:
		return MimetypePyarrow
	case f.JSON != nil:
		return MimetypeJSON
	case f.GeoJSON != nil:
		return MimetypeGeoJSON
	case f.CSV != nil:
		return MimetypeCSV
	case f.PNG != nil:
		return MimetypePNG
	case f.Geotiff != nil:
		return MimetypeGeotiff
	case f.MsgPack != nil:
		return MimetypeMsgPack
	}
	return ""
}
