// Package jobs defines the message body carried on the work queue.
//
// Bodies are JSON objects discriminated by "kind". Legacy producers
// only ever sent {"date","lang"} (fetch) or {"date","lang","toEmail"}
// (email), so a missing kind means fetch.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// Kind discriminates job payloads.
type Kind string

// Known job kinds.
const (
	KindFetch Kind = "fetch"
	KindEmail Kind = "email"
)

// DateLayout is the calendar date format used by the publisher.
const DateLayout = "2006-01-02"

// ErrInvalid wraps every decode and validation failure. Messages failing
// with it are never retried.
var ErrInvalid = errors.New("invalid job")

// Job is one unit of work taken off the queue.
type Job struct {
	Kind    Kind   `json:"kind"`
	Date    string `json:"date"`
	Lang    string `json:"lang"`
	ToEmail string `json:"toEmail,omitempty"`
}

// Key is the claim and lookup key of the job.
func (j Job) Key() string {
	return j.Date + ":" + j.Lang
}

// Input converts the job to the key recorded on its run.
func (j Job) Input() liturgy.JobInput {
	return liturgy.JobInput{Date: j.Date, Lang: j.Lang, ToEmail: j.ToEmail}
}

// Validate checks the fields required by the job kind.
func (j Job) Validate() error {
	switch j.Kind {
	case KindFetch, KindEmail:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, j.Kind)
	}
	if j.Date == "" {
		return fmt.Errorf("%w: date is required", ErrInvalid)
	}
	if _, err := time.Parse(DateLayout, j.Date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalid, j.Date)
	}
	if j.Lang == "" {
		return fmt.Errorf("%w: lang is required", ErrInvalid)
	}
	if strings.ContainsAny(j.Lang, "/?#") {
		return fmt.Errorf("%w: lang %q contains path characters", ErrInvalid, j.Lang)
	}
	if j.Kind == KindEmail {
		if j.ToEmail == "" {
			return fmt.Errorf("%w: toEmail is required for email jobs", ErrInvalid)
		}
		if _, err := mail.ParseAddress(j.ToEmail); err != nil {
			return fmt.Errorf("%w: toEmail: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Decode parses and validates a queue body.
func Decode(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: decode body: %v", ErrInvalid, err)
	}
	job.Kind = Kind(strings.ToLower(strings.TrimSpace(string(job.Kind))))
	if job.Kind == "" {
		job.Kind = KindFetch
	}
	job.Date = strings.TrimSpace(job.Date)
	job.Lang = strings.TrimSpace(job.Lang)
	job.ToEmail = strings.TrimSpace(job.ToEmail)
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Encode validates and serializes a job for publishing.
func Encode(job Job) ([]byte, error) {
	if job.Kind == "" {
		job.Kind = KindFetch
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return body, nil
}
