package liturgy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ExternalID is the publisher's identifier for an entity. Upstream payloads
// are not consistent about sending it as a string or a number.
type ExternalID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode external id: %w", err)
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode external id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("decode external id: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

// Book identifies the scripture book a reading comes from.
type Book struct {
	Code       string `json:"code" bson:"code"`
	ShortTitle string `json:"short_title" bson:"short_title"`
	FullTitle  string `json:"full_title" bson:"full_title"`
}

// Reading is one scripture reading of a day. Readings are stored fresh for
// every fetch and never deduplicated across days.
type Reading struct {
	ID                 string     `json:"record_id,omitempty" bson:"_id"`
	ExternalID         ExternalID `json:"id" bson:"id"`
	ReadingCode        string     `json:"reading_code" bson:"reading_code"`
	BeforeReading      string     `json:"before_reading" bson:"before_reading"`
	Chorus             string     `json:"chorus" bson:"chorus"`
	Type               string     `json:"type" bson:"type"`
	AudioURL           string     `json:"audio_url" bson:"audio_url"`
	ReferenceDisplayed string     `json:"reference_displayed" bson:"reference_displayed"`
	Book               Book       `json:"book" bson:"book"`
	Text               string     `json:"text" bson:"text"`
	Href               string     `json:"href" bson:"href"`
	Source             string     `json:"source" bson:"source"`
	BookType           string     `json:"book_type" bson:"book_type"`
	Title              string     `json:"title" bson:"title"`
}

// SaintImages holds the image variants published for a saint.
type SaintImages struct {
	Large string `json:"large" bson:"large"`
	Face  string `json:"face" bson:"face"`
	Ico   string `json:"ico" bson:"ico"`
}

// Saint recurs across many days and is upserted by ExternalID so the latest
// biography wins.
type Saint struct {
	ID               string      `json:"record_id,omitempty" bson:"_id"`
	ExternalID       ExternalID  `json:"id" bson:"id"`
	Name             string      `json:"name" bson:"name"`
	ShortDescription string      `json:"short_description" bson:"short_description"`
	Location         string      `json:"location" bson:"location"`
	Month            int         `json:"month" bson:"month"`
	Day              int         `json:"day" bson:"day"`
	Order1           int         `json:"order1" bson:"order1"`
	Order2           int         `json:"order2" bson:"order2"`
	ImageLinks       SaintImages `json:"image_links" bson:"image_links"`
	Bio              string      `json:"bio" bson:"bio"`
	BioSource        string      `json:"bio_source" bson:"bio_source"`
	Prayer           string      `json:"prayer" bson:"prayer"`
	Href             string      `json:"href" bson:"href"`
}

// Author credits a commentary.
type Author struct {
	Name             string `json:"name" bson:"name"`
	ShortDescription string `json:"short_description" bson:"short_description"`
}

// Commentary is the daily commentary on the gospel.
type Commentary struct {
	ID          string     `json:"record_id,omitempty" bson:"_id"`
	ExternalID  ExternalID `json:"id" bson:"id"`
	Title       string     `json:"title" bson:"title"`
	BookType    string     `json:"book_type" bson:"book_type"`
	Description string     `json:"description" bson:"description"`
	Source      string     `json:"source" bson:"source"`
	Author      Author     `json:"author" bson:"author"`
	Href        string     `json:"href" bson:"href"`
}

// LiturgyImages holds the image variants published for a liturgy.
type LiturgyImages struct {
	Large string `json:"large" bson:"large"`
	Ico   string `json:"ico" bson:"ico"`
}

// Liturgy describes the liturgical celebration of a day.
type Liturgy struct {
	ID          string        `json:"record_id,omitempty" bson:"_id"`
	ExternalID  ExternalID    `json:"id" bson:"id"`
	Title       string        `json:"title" bson:"title"`
	Description string        `json:"description" bson:"description"`
	Source      string        `json:"source" bson:"source"`
	ImageLinks  LiturgyImages `json:"image_links" bson:"image_links"`
	Href        string        `json:"href" bson:"href"`
}

// Link is a navigation link published with a day.
type Link struct {
	Rel string `json:"rel" bson:"rel"`
	URI string `json:"uri" bson:"uri"`
}

// Day is the aggregate root for one (date, lang) pair. Child entities are
// persisted on their own and the day references them.
type Day struct {
	ID                     string      `json:"record_id,omitempty" bson:"_id"`
	Date                   string      `json:"date" bson:"date"`
	Lang                   string      `json:"lang" bson:"lang"`
	DateDisplayed          string      `json:"date_displayed" bson:"date_displayed"`
	LiturgicTitle          string      `json:"liturgic_title" bson:"liturgic_title"`
	HasLiturgicDescription bool        `json:"has_liturgic_description" bson:"has_liturgic_description"`
	SpecialLiturgy         string      `json:"special_liturgy" bson:"special_liturgy"`
	Links                  []Link      `json:"links" bson:"links"`
	Liturgy                *Liturgy    `json:"liturgy,omitempty" bson:"-"`
	Commentary             *Commentary `json:"commentary,omitempty" bson:"-"`
	Readings               []Reading   `json:"readings" bson:"-"`
	Saints                 []Saint     `json:"saints" bson:"-"`
}

// Valid reports whether the day carries readings. A day without readings is
// incomplete and gets replaced on the next fetch.
func (d Day) Valid() bool {
	return len(d.Readings) > 0
}

// Payload is the decoded upstream content for one (date, lang) pair.
type Payload struct {
	Date                   string      `json:"date"`
	Lang                   string      `json:"lang"`
	DateDisplayed          string      `json:"date_displayed"`
	LiturgicTitle          string      `json:"liturgic_title"`
	HasLiturgicDescription bool        `json:"has_liturgic_description"`
	SpecialLiturgy         string      `json:"special_liturgy"`
	Links                  []Link      `json:"links"`
	Liturgy                *Liturgy    `json:"liturgy"`
	Commentary             *Commentary `json:"commentary"`
	Readings               []Reading   `json:"readings"`
	Saints                 []Saint     `json:"saints"`

	// Raw holds the upstream bytes for archiving.
	Raw []byte `json:"-"`
}

// DayShell builds a Day from the payload's day-level fields only. Child
// collections are left empty; they are attached once persisted.
func (p Payload) DayShell() Day {
	links := make([]Link, len(p.Links))
	copy(links, p.Links)
	return Day{
		Date:                   p.Date,
		Lang:                   p.Lang,
		DateDisplayed:          p.DateDisplayed,
		LiturgicTitle:          p.LiturgicTitle,
		HasLiturgicDescription: p.HasLiturgicDescription,
		SpecialLiturgy:         p.SpecialLiturgy,
		Links:                  links,
	}
}
