package models

// TopProduct is a row of the top-products report.
type TopProduct struct {
	ObjectClass string `json:"object_class" db:"object_class"`
	Count       int64  `json:"count" db:"count"`
}

// ChannelActivity is the number of messages a channel posted on one day.
type ChannelActivity struct {
	Date  string `json:"date" db:"date"`
	Count int64  `json:"count" db:"count"`
}

// MessageSearchResult is a message matched by text search.
type MessageSearchResult struct {
	ID      int64  `json:"id" db:"id"`
	Text    string `json:"text" db:"text"`
	Channel string `json:"channel" db:"channel"`
	Date    string `json:"date" db:"date"`
}
