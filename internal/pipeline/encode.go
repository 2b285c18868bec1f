package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/seantiz/loom/internal/model"
)

// Encode serializes a terminal computation value according to the active
// format variant. The returned bytes carry the variant's fixed mimetype.
func Encode(value any, f model.Format) ([]byte, error) {
	switch {
	case f.JSON != nil:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, &Error{Code: CodeEncodeJSON, Message: fmt.Sprintf("marshal result: %v", err)}
		}
		return b, nil

	case f.GeoJSON != nil:
		return encodeGeoJSON(value)

	case f.CSV != nil:
		return encodeCSV(value)

	case f.PNG != nil:
		return encodePNG(value)

	case f.MsgPack != nil:
		b, err := msgpack.Marshal(value)
		if err != nil {
			return nil, &Error{Code: CodeEncodeMsgPack, Message: fmt.Sprintf("marshal result: %v", err)}
		}
		return b, nil

	case f.Pyarrow != nil, f.Geotiff != nil:
		// These formats are produced upstream by the evaluator; the pipeline
		// only passes the payload through under the fixed mimetype.
		raw, ok := value.([]byte)
		if !ok {
			return nil, &Error{
				Code:    CodeEncodePassthrough,
				Message: fmt.Sprintf("%s output requires a raw payload from the evaluator, got %T", f.Kind(), value),
			}
		}
		return raw, nil
	}
	return nil, &Error{Code: CodeEncodePassthrough, Message: "format selects no variant"}
}

// encodeGeoJSON marshals the value as JSON after checking it looks like a
// GeoJSON object (a top-level "type" member is mandatory per RFC 7946).
func encodeGeoJSON(value any) ([]byte, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, &Error{Code: CodeEncodeGeoJSON, Message: fmt.Sprintf("result %T is not a GeoJSON object", value)}
	}
	if _, ok := obj["type"].(string); !ok {
		return nil, &Error{Code: CodeEncodeGeoJSON, Message: "GeoJSON object has no 'type' member"}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, &Error{Code: CodeEncodeGeoJSON, Message: fmt.Sprintf("marshal result: %v", err)}
	}
	return b, nil
}

// encodeCSV writes the value as CSV rows. The value must be a list; each
// element is either a list (one row) or a scalar (a single-cell row).
func encodeCSV(value any) ([]byte, error) {
	rows, ok := value.([]any)
	if !ok {
		return nil, &Error{Code: CodeEncodeCSV, Message: fmt.Sprintf("result %T is not tabular", value)}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		var record []string
		if cells, ok := row.([]any); ok {
			for _, cell := range cells {
				record = append(record, csvCell(cell))
			}
		} else {
			record = []string{csvCell(row)}
		}
		if err := w.Write(record); err != nil {
			return nil, &Error{Code: CodeEncodeCSV, Message: fmt.Sprintf("write row: %v", err)}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &Error{Code: CodeEncodeCSV, Message: fmt.Sprintf("flush: %v", err)}
	}
	return buf.Bytes(), nil
}

func csvCell(v any) string {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

// encodePNG renders a raster value (a list of rows of numbers) as a
// grayscale PNG, scaling values to the full 8-bit range. A raw payload is
// assumed to be pre-encoded PNG bytes and passed through.
func encodePNG(value any) ([]byte, error) {
	if raw, ok := value.([]byte); ok {
		return raw, nil
	}

	raster, err := toRaster(value)
	if err != nil {
		return nil, err
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range raster {
		for _, v := range row {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	img := image.NewGray(image.Rect(0, 0, len(raster[0]), len(raster)))
	for y, row := range raster {
		for x, v := range row {
			img.SetGray(x, y, color.Gray{Y: uint8((v - lo) * scale)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &Error{Code: CodeEncodePNG, Message: fmt.Sprintf("encode image: %v", err)}
	}
	return buf.Bytes(), nil
}

func toRaster(value any) ([][]float64, error) {
	rows, ok := value.([]any)
	if !ok || len(rows) == 0 {
		return nil, &Error{Code: CodeEncodePNG, Message: fmt.Sprintf("result %T is not a raster", value)}
	}

	raster := make([][]float64, len(rows))
	width := -1
	for y, row := range rows {
		cells, ok := row.([]any)
		if !ok || len(cells) == 0 {
			return nil, &Error{Code: CodeEncodePNG, Message: fmt.Sprintf("raster row %d is not a list of numbers", y)}
		}
		if width == -1 {
			width = len(cells)
		} else if len(cells) != width {
			return nil, &Error{Code: CodeEncodePNG, Message: fmt.Sprintf("raster row %d has %d cells, want %d", y, len(cells), width)}
		}
		raster[y] = make([]float64, len(cells))
		for x, cell := range cells {
			n, ok := cell.(float64)
			if !ok {
				return nil, &Error{Code: CodeEncodePNG, Message: fmt.Sprintf("raster cell (%d,%d) is %T, not a number", x, y, cell)}
			}
			raster[y][x] = n
		}
	}
	return raster, nil
}

// fileExtension maps a format variant to the extension used for attachment
// and catalog filenames.
func fileExtension(f model.Format) string {
	switch {
	case f.Pyarrow != nil:
		return ".arrow"
	case f.JSON != nil:
		return ".json"
	case f.GeoJSON != nil:
		return ".geojson"
	case f.CSV != nil:
		return ".csv"
	case f.PNG != nil:
		return ".png"
	case f.Geotiff != nil:
		return ".tif"
	case f.MsgPack != nil:
		return ".msgpack"
	}
	return ".bin"
}
