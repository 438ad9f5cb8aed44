package models

import (
	"fmt"
	"time"
)

const (
	DiaryCollection    = "diaries"
	DiaryDayCollection = "diary_days"

	// DayLayout is the format of DiaryRecord.EntryDate and DayAggregate.Day.
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"

	DefaultAuthorName = "User"
)

// Stored field names, used in queries and partial updates.
const (
	FieldID             = "id"
	FieldEntryDate      = "entry_date"
	FieldFavorite       = "favorite"
	FieldShowOnTimeline = "show_on_timeline"
	FieldTimelineDate   = "timeline_date"
	FieldDeleted        = "deleted"
	FieldDeletedAt      = "deleted_at"
	FieldRestoredAt     = "restored_at"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"

	FieldDay         = "day"
	FieldCount       = "count"
	FieldHasFavorite = "has_favorite"
	FieldLastEntryAt = "last_entry_at"
)

// BlobRef points at an uploaded file. Path is where the blob store keeps it;
// URL is what clients render.
type BlobRef struct {
	Path        string `bson:"path" json:"path"`
	URL         string `bson:"url" json:"url"`
	Name        string `bson:"name,omitempty" json:"name,omitempty"`
	Size        int64  `bson:"size,omitempty" json:"size,omitempty"`
	ContentType string `bson:"content_type,omitempty" json:"content_type,omitempty"`
}

// DiaryRecord is one diary entry. A record with Deleted set is in the trash.
type DiaryRecord struct {
	ID        string `bson:"id" json:"id"`
	OwnerID   string `bson:"owner_id" json:"owner_id"`
	EntryDate string `bson:"entry_date" json:"entry_date"`

	Title      string   `bson:"title" json:"title"`
	BodyRich   string   `bson:"body_rich" json:"body_rich"`
	BodyPlain  string   `bson:"body_plain" json:"body_plain"`
	Mood       string   `bson:"mood,omitempty" json:"mood,omitempty"`
	Tags       []string `bson:"tags" json:"tags"`
	Favorite   bool     `bson:"favorite" json:"favorite"`
	AuthorName string   `bson:"author_name" json:"author_name"`

	ShowOnTimeline  bool   `bson:"show_on_timeline" json:"show_on_timeline"`
	TimelineTitle   string `bson:"timeline_title,omitempty" json:"timeline_title,omitempty"`
	TimelineSummary string `bson:"timeline_summary,omitempty" json:"timeline_summary,omitempty"`
	TimelineDate    string `bson:"timeline_date,omitempty" json:"timeline_date,omitempty"`

	ContentImages []BlobRef `bson:"content_images" json:"content_images"`
	Attachments   []BlobRef `bson:"attachments" json:"attachments"`

	Deleted    bool       `bson:"deleted" json:"deleted"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`
	DeletedAt  *time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	RestoredAt *time.Time `bson:"restored_at,omitempty" json:"restored_at,omitempty"`
}

// DayAggregate summarises one owner's live records on one day. It exists
// only while Count is positive.
type DayAggregate struct {
	Day         string     `bson:"day" json:"day"`
	Count       int64      `bson:"count" json:"count"`
	HasFavorite bool       `bson:"has_favorite" json:"has_favorite"`
	LastEntryAt time.Time  `bson:"last_entry_at" json:"last_entry_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	CreatedAt   *time.Time `bson:"created_at,omitempty" json:"created_at,omitempty"`
}

// ParseDay parses a YYYY-MM-DD string and rejects anything that does not
// round-trip, such as "2024-2-3".
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	if t.Format(DayLayout) != s {
		return time.Time{}, fmt.Errorf("invalid day %q", s)
	}
	return t, nil
}

// MonthRange returns the half-open day range [start, end) covering a
// YYYY-MM month.
func MonthRange(month string) (start, end string, err error) {
	t, err := time.Parse(MonthLayout, month)
	if err != nil || t.Format(MonthLayout) != month {
		return "", "", fmt.Errorf("invalid month %q", month)
	}
	return t.Format(DayLayout), t.AddDate(0, 1, 0).Format(DayLayout), nil
}

// MonthOf returns the YYYY-MM prefix of a day string, or "" if malformed.
func MonthOf(day string) string {
	if len(day) < len(MonthLayout) {
		return ""
	}
	return day[:len(MonthLayout)]
}
