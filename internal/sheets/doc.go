// Package sheets wraps the Google Sheets values API as the remote tabular
// source: pull all worksheet rows as records, push records as appended rows.
// It is deliberately thin; the resilience around it (scheduling, backoff,
// dead-lettering) lives elsewhere.
package sheets
