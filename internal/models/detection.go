package models

// Detection is one allow-listed bounding box found in a scraped image.
// Date is the day partition the image was scraped into, not the message date.
type Detection struct {
	MessageID       int64   `json:"message_id" db:"message_id"`
	ImagePath       string  `json:"image_path" db:"image_path"`
	ObjectClass     string  `json:"object_class" db:"object_class"`
	ConfidenceScore float64 `json:"confidence_score" db:"confidence_score"`
	Channel         string  `json:"channel" db:"channel"`
	Date            string  `json:"date" db:"date"`
}
