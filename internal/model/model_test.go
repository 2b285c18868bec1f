package model

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIDMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("NewID() not strictly increasing: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{StageQueued, StagePreparing, true},
		{StageQueued, StageFailed, true},
		{StageQueued, StageCancelled, true},
		{StageQueued, StageRunning, false},
		{StageQueued, StageSucceeded, false},
		{StagePreparing, StageRunning, true},
		{StagePreparing, StageSaving, false},
		{StageRunning, StageSaving, true},
		{StageRunning, StageCancelled, true},
		{StageRunning, StageSucceeded, false},
		{StageSaving, StageSucceeded, true},
		{StageSaving, StageFailed, true},
		{StageSaving, StageCancelled, false},
		{StageFailed, StageQueued, false},
		{StageSucceeded, StageFailed, false},
		{StageCancelled, StageRunning, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStages(t *testing.T) {
	terminal := []Stage{StageFailed, StageSucceeded, StageCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	nonTerminal := []Stage{StageQueued, StagePreparing, StageRunning, StageSaving}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestProgressMergeKeepsUnknownFields(t *testing.T) {
	p := TasksProgress{Waiting: intPtr(5), Finished: intPtr(1)}
	p.Merge(TasksProgress{Running: intPtr(3)})

	if p.Waiting == nil || *p.Waiting != 5 {
		t.Errorf("Waiting = %v, want 5", p.Waiting)
	}
	if p.Running == nil || *p.Running != 3 {
		t.Errorf("Running = %v, want 3", p.Running)
	}
	if p.Ready != nil {
		t.Errorf("Ready = %v, want nil (unknown)", p.Ready)
	}
	if p.Finished == nil || *p.Finished != 1 {
		t.Errorf("Finished = %v, want 1", p.Finished)
	}
}

func TestProgressMergeFinishedMonotonic(t *testing.T) {
	p := TasksProgress{Finished: intPtr(4)}

	// A stale report with a lower finished count must not regress the counter.
	p.Merge(TasksProgress{Finished: intPtr(2)})
	if *p.Finished != 4 {
		t.Errorf("Finished = %d after stale merge, want 4", *p.Finished)
	}

	p.Merge(TasksProgress{Finished: intPtr(7)})
	if *p.Finished != 7 {
		t.Errorf("Finished = %d, want 7", *p.Finished)
	}
}

func TestFormatValidate(t *testing.T) {
	cases := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"json", Format{JSON: &JSONFormat{}}, false},
		{"png", Format{PNG: &PNGFormat{}}, false},
		{"geotiff with options", Format{Geotiff: &GeotiffFormat{Compression: "lzw"}}, false},
		{"none", Format{}, true},
		{"two variants", Format{JSON: &JSONFormat{}, CSV: &CSVFormat{}}, true},
		{"three variants", Format{JSON: &JSONFormat{}, CSV: &CSVFormat{}, PNG: &PNGFormat{}}, true},
	}
	for _, c := range cases {
		err := c.format.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", c.name, err, c.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: error %v is not ErrInvalidArgument", c.name, err)
		}
	}
}

func TestFormatMimetypes(t *testing.T) {
	cases := []struct {
		format Format
		kind   string
		mime   string
	}{
		{Format{Pyarrow: &PyarrowFormat{}}, "pyarrow", "application/vnd.pyarrow"},
		{Format{JSON: &JSONFormat{}}, "json", "application/json"},
		{Format{GeoJSON: &GeoJSONFormat{}}, "geojson", "application/vnd.geo+json"},
		{Format{CSV: &CSVFormat{}}, "csv", "text/csv"},
		{Format{PNG: &PNGFormat{}}, "png", "image/png"},
		{Format{Geotiff: &GeotiffFormat{}}, "geotiff", "image/tiff"},
		{Format{MsgPack: &MsgPackFormat{}}, "msgpack", "application/msgpack"},
	}
	for _, c := range cases {
		if got := c.format.Kind(); got != c.kind {
			t.Errorf("Kind() = %q, want %q", got, c.kind)
		}
		if got := c.format.Mimetype(); got != c.mime {
			t.Errorf("Mimetype() for %s = %q, want %q", c.kind, got, c.mime)
		}
	}
}

func TestDestinationValidate(t *testing.T) {
	cases := []struct {
		name    string
		dest    Destination
		wantErr bool
	}{
		{"download", Destination{Download: &DownloadDestination{}}, false},
		{"email", Destination{Email: &EmailDestination{To: "a@b.com"}}, false},
		{"catalog", Destination{Catalog: &CatalogDestination{CatalogID: "c1", ImageName: "img"}}, false},
		{"none", Destination{}, true},
		{"two variants", Destination{Download: &DownloadDestination{}, Email: &EmailDestination{To: "a@b.com"}}, true},
		{"email missing to", Destination{Email: &EmailDestination{}}, true},
		{"catalog missing image", Destination{Catalog: &CatalogDestination{CatalogID: "c1"}}, true},
	}
	for _, c := range cases {
		err := c.dest.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	graft := json.RawMessage(`{"a": 1, "b": ["add", "a", "a"], "returns": "b"}`)
	args := map[string]json.RawMessage{"x": json.RawMessage(`2`)}
	f := Format{JSON: &JSONFormat{}}
	d := Destination{Download: &DownloadDestination{}}

	fp1 := ComputeFingerprint(graft, "Int", args, "v1", f, d)
	fp2 := ComputeFingerprint(graft, "Int", args, "v1", f, d)
	if fp1 != fp2 {
		t.Errorf("fingerprints differ for identical requests: %s vs %s", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(fp1))
	}
}

func TestFingerprintIgnoresGraftWhitespace(t *testing.T) {
	compact := json.RawMessage(`{"a":1,"returns":"a"}`)
	spaced := json.RawMessage(`{ "a": 1,  "returns": "a" }`)
	f := Format{JSON: &JSONFormat{}}
	d := Destination{Download: &DownloadDestination{}}

	if ComputeFingerprint(compact, "", nil, "", f, d) != ComputeFingerprint(spaced, "", nil, "", f, d) {
		t.Error("fingerprint changed with graft whitespace")
	}
}

func TestFingerprintIgnoresServerFilledFields(t *testing.T) {
	graft := json.RawMessage(`{"a":1,"returns":"a"}`)
	f := Format{JSON: &JSONFormat{}}

	bare := Destination{Download: &DownloadDestination{}}
	filled := Destination{Download: &DownloadDestination{ResultURL: "https://example.com/r/abc"}}

	if ComputeFingerprint(graft, "", nil, "", f, bare) != ComputeFingerprint(graft, "", nil, "", f, filled) {
		t.Error("fingerprint changed with server-filled result URL")
	}
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	graft := json.RawMessage(`{"a":1,"returns":"a"}`)
	f := Format{JSON: &JSONFormat{}}
	d := Destination{Download: &DownloadDestination{}}

	base := ComputeFingerprint(graft, "Int", nil, "v1", f, d)

	if got := ComputeFingerprint(json.RawMessage(`{"a":2,"returns":"a"}`), "Int", nil, "v1", f, d); got == base {
		t.Error("different grafts produced identical fingerprints")
	}
	if got := ComputeFingerprint(graft, "Int", nil, "v2", f, d); got == base {
		t.Error("different channels produced identical fingerprints")
	}
	if got := ComputeFingerprint(graft, "Int", nil, "v1", Format{CSV: &CSVFormat{}}, d); got == base {
		t.Error("different formats produced identical fingerprints")
	}
}

func TestStateErrorOnlyWhenFailed(t *testing.T) {
	st := State{Stage: StageFailed, Error: &JobError{Code: "EVAL_TIMEOUT", Message: "timed out"}}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var decoded State
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != "EVAL_TIMEOUT" {
		t.Errorf("error round-trip lost code: %+v", decoded.Error)
	}
}
