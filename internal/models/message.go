package models

import "time"

// RawMessage is one scraped Telegram message as written to
// data/raw/{day}/{channel}/{channel}_messages.json and stored in
// raw.telegram_messages. Channel is not part of the JSON record; it is
// derived from the partition directory when loading.
type RawMessage struct {
	ID        int64     `json:"id" db:"id"`
	Date      time.Time `json:"date" db:"date"`
	Text      *string   `json:"text" db:"text"`
	SenderID  *string   `json:"sender_id" db:"sender_id"`
	HasPhoto  bool      `json:"has_photo" db:"has_photo"`
	PhotoPath *string   `json:"photo_path" db:"photo_path"`
	Channel   string    `json:"-" db:"channel"`
}
