package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// ErrEmptySessionID is returned when an evidence pack is requested without a
// session id.
var ErrEmptySessionID = errors.New("audit: session_id must not be empty")

// EvidencePack bundles everything needed to audit one session offline: the
// replay trail, every sealed capsule, and a manifest with a checksum.
type EvidencePack struct {
	SessionID   string `json:"session_id"`
	GeneratedAt string `json:"generated_at"`
	Checksum    string `json:"checksum"`
}

// GeneratePack builds the zip evidence pack for a session. Returns the zip
// bytes and its SHA-256 checksum.
func GeneratePack(session *contracts.Session, capsules []*contracts.OfferCapsule) ([]byte, string, error) {
	if session == nil || session.ID == "" {
		return nil, "", ErrEmptySessionID
	}

	trailJSON, err := json.MarshalIndent(session.Events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal trail: %w", err)
	}
	capsulesJSON, err := json.MarshalIndent(capsules, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal capsules: %w", err)
	}

	manifest := map[string]interface{}{
		"session_id":    session.ID,
		"product_key":   session.ProductKey,
		"outcome":       session.Outcome,
		"rounds":        session.Round,
		"event_count":   len(session.Events),
		"capsule_count": len(capsules),
		"generated_at":  time.Now().UTC(),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	files := []struct {
		name string
		body []byte
	}{
		{"trail.json", trailJSON},
		{"capsules.json", capsulesJSON},
		{"manifest.json", manifestJSON},
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
