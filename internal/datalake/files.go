package datalake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tgpipeline/internal/models"
)

// messageDateLayouts are accepted when decoding the "date" field. The second
// form is what older Python-based scrapes wrote.
var messageDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05",
}

type messageRecord struct {
	ID        *int64  `json:"id"`
	Date      string  `json:"date"`
	Text      *string `json:"text"`
	SenderID  *string `json:"sender_id"`
	HasPhoto  bool    `json:"has_photo"`
	PhotoPath *string `json:"photo_path"`
}

// WriteMessages writes msgs as an indented JSON array, replacing path atomically.
func WriteMessages(path string, msgs []models.RawMessage) error {
	if msgs == nil {
		msgs = []models.RawMessage{}
	}
	return writeJSON(path, msgs)
}

// ReadMessageRecords reads a messages file and returns its elements undecoded,
// so a malformed record can be rejected without losing the rest of the file.
func ReadMessageRecords(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := ParseMessageRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

// ParseMessageRecords splits the contents of a messages file into records.
func ParseMessageRecords(data []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// DecodeMessage decodes one record of a messages file.
func DecodeMessage(raw json.RawMessage, channel string) (models.RawMessage, error) {
	var rec messageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.RawMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if rec.ID == nil {
		return models.RawMessage{}, fmt.Errorf("decode message: missing id")
	}
	date, err := parseMessageDate(rec.Date)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("message %d: %w", *rec.ID, err)
	}
	return models.RawMessage{
		ID:        *rec.ID,
		Date:      date,
		Text:      rec.Text,
		SenderID:  rec.SenderID,
		HasPhoto:  rec.HasPhoto,
		PhotoPath: rec.PhotoPath,
		Channel:   channel,
	}, nil
}

func parseMessageDate(s string) (time.Time, error) {
	for _, layout := range messageDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// WriteDetections replaces path with the detections array. An empty slice
// is written as [] rather than null.
func WriteDetections(path string, detections []models.Detection) error {
	if detections == nil {
		detections = []models.Detection{}
	}
	return writeJSON(path, detections)
}

// ReadDetections reads the enriched detections file.
func ReadDetections(path string) ([]models.Detection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var detections []models.Detection
	if err := json.Unmarshal(data, &detections); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return detections, nil
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
