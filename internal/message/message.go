// Package message parses per-file JSON payloads from the staging area into
// the tagged record the rest of the pipeline operates on.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is a parsed mail record read from a single staged JSON file.
// Dynamic JSON payloads become this tagged record with explicit optional
// fields; every filter_*-prefixed key that isn't a named field here flows
// through Extra verbatim.
type Message struct {
	MailID       string
	UserID       string
	ReceivedTime time.Time
	Domain       string
	MailHeader   string
	MailContent  string
	Mailbox      string
	Folder       string
	Extra        map[string]any
}

// raw mirrors the on-disk JSON shape, accepting both name variants the
// spec allows for the header/content fields.
type raw struct {
	MailID       string         `json:"mail_id"`
	UserID       string         `json:"user_id"`
	ReceivedTime string         `json:"received_time"`
	Domain       string         `json:"domain"`
	Subject      string         `json:"subject"`
	MailHeader   string         `json:"mail_header"`
	Content      string         `json:"content"`
	MailContent  string         `json:"mail_content"`
	Mailbox      string         `json:"mailbox"`
	Folder       string         `json:"folder"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse decodes a single message JSON payload and fills in derived fields.
// It returns an error naming the missing or invalid field so the caller can
// surface a precise failure reason.
func Parse(data []byte) (*Message, error) {
	var everything map[string]any
	if err := json.Unmarshal(data, &everything); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	if r.MailID == "" {
		return nil, fmt.Errorf("missing required field: mail_id")
	}
	if r.UserID == "" {
		return nil, fmt.Errorf("missing required field: user_id")
	}
	if r.ReceivedTime == "" {
		return nil, fmt.Errorf("missing required field: received_time")
	}

	received, err := parseTime(r.ReceivedTime)
	if err != nil {
		return nil, fmt.Errorf("invalid received_time %q: %w", r.ReceivedTime, err)
	}

	domain := r.Domain
	if domain == "" {
		domain = DomainFromUserID(r.UserID)
	}
	if domain == "" {
		return nil, fmt.Errorf("cannot resolve domain: no domain field and user_id %q has no host part", r.UserID)
	}

	header := r.MailHeader
	if header == "" {
		header = r.Subject
	}
	content := r.MailContent
	if content == "" {
		content = r.Content
	}

	known := map[string]bool{
		"mail_id": true, "user_id": true, "received_time": true, "domain": true,
		"subject": true, "mail_header": true, "content": true, "mail_content": true,
		"mailbox": true, "folder": true,
	}
	extra := make(map[string]any)
	for k, v := range everything {
		if !known[k] && strings.HasPrefix(k, "filter_") {
			extra[k] = v
		}
	}

	return &Message{
		MailID:       r.MailID,
		UserID:       r.UserID,
		ReceivedTime: received,
		Domain:       domain,
		MailHeader:   header,
		MailContent:  content,
		Mailbox:      r.Mailbox,
		Folder:       r.Folder,
		Extra:        extra,
	}, nil
}

// DomainFromUserID returns the substring after '@' in an email-like
// address, or "" when there is no '@' or nothing follows it.
func DomainFromUserID(userID string) string {
	idx := strings.LastIndex(userID, "@")
	if idx < 0 || idx == len(userID)-1 {
		return ""
	}
	return userID[idx+1:]
}

// Year, Month, Day are the date parts derived from ReceivedTime, used for
// the filter_year/filter_month/filter_day vector sink properties.
func (m *Message) Year() int  { return m.ReceivedTime.Year() }
func (m *Message) Month() int { return int(m.ReceivedTime.Month()) }
func (m *Message) Day() int   { return m.ReceivedTime.Day() }

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
