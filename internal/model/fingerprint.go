package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprintPayload is the normalized request shape hashed into a cache key.
// Field order is fixed and maps marshal with sorted keys, so the encoding is
// deterministic. The no_cache flag and server-filled fields (result URLs,
// tokens) are deliberately excluded.
type fingerprintPayload struct {
	Graft       json.RawMessage            `json:"graft"`
	Typespec    string                     `json:"typespec"`
	Arguments   map[string]json.RawMessage `json:"arguments"`
	Channel     string                     `json:"channel"`
	Format      Format                     `json:"format"`
	Destination Destination                `json:"destination"`
}

// ComputeFingerprint returns the deterministic cache key for a request:
// the hex SHA-256 of the canonical encoding of the cacheable request fields.
func ComputeFingerprint(graft json.RawMessage, typespec string, arguments map[string]json.RawMessage, channel string, format Format, destination Destination) string {
	// Compact the graft so formatting differences don't change the key.
	var compactGraft json.RawMessage
	var node any
	if err := json.Unmarshal(graft, &node); err == nil {
		if b, err := json.Marshal(node); err == nil {
			compactGraft = b
		}
	}
	if compactGraft == nil {
		compactGraft = graft
	}

	args := make(map[string]json.RawMessage, len(arguments))
	for k, v := range arguments {
		var av any
		if err := json.Unmarshal(v, &av); err == nil {
			if b, err := json.Marshal(av); err == nil {
				args[k] = b
				continue
			}
		}
		args[k] = v
	}

	payload := fingerprintPayload{
		Graft:       compactGraft,
		Typespec:    typespec,
		Arguments:   args,
		Channel:     channel,
		Format:      format,
		Destination: stripServerFilled(destination),
	}

	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// stripServerFilled zeroes fields the server populates at delivery time, so
// they never influence the fingerprint.
func stripServerFilled(d Destination) Destination {
	if d.Download != nil {
		dl := *d.Download
		dl.ResultURL = ""
		d.Download = &dl
	}
	return d
}
