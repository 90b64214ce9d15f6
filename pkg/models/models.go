// Package models defines the data model shared across the backend: uploaded
// files, upload jobs, parsed log entries, parse errors, and parse sessions.
package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// FileStatus describes the lifecycle state of an uploaded file.
type FileStatus string

const (
	FileStatusUploaded FileStatus = "uploaded"
	FileStatusParsing  FileStatus = "parsing"
	FileStatusParsed   FileStatus = "parsed"
)

// FileInfo describes a raw uploaded file.
type FileInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Size       int64      `json:"size"`
	UploadedAt time.Time  `json:"uploadedAt"`
	Status     FileStatus `json:"status"`
}

// UploadEncoding is the transfer encoding of a chunked upload.
type UploadEncoding string

const (
	EncodingNone UploadEncoding = "none"
	EncodingGzip UploadEncoding = "gzip"
)

// UploadStage identifies the phase an upload job is in.
type UploadStage string

const (
	StageAssembling    UploadStage = "assembling"
	StageDecompressing UploadStage = "decompressing"
	StageComplete      UploadStage = "complete"
	StageError         UploadStage = "error"
)

// UploadJob is a snapshot of an asynchronous upload job. Snapshots are
// value-copied to subscribers; they carry the whole state so a reconnecting
// subscriber never depends on deltas.
type UploadJob struct {
	ID              string         `json:"jobId"`
	UploadID        string         `json:"uploadId"`
	FileName        string         `json:"fileName"`
	TotalChunks     int            `json:"totalChunks"`
	OriginalSize    int64          `json:"originalSize"`
	CompressedSize  int64          `json:"compressedSize"`
	Encoding        UploadEncoding `json:"encoding"`
	Stage           UploadStage    `json:"stage"`
	StageProgress   float64        `json:"stageProgress"`   // 0-100 within the stage
	OverallProgress float64        `json:"overallProgress"` // 0-100 across stages
	Error           string         `json:"error,omitempty"`
	FileInfo        *FileInfo      `json:"fileInfo,omitempty"`
}

// SignalType classifies the value domain of a signal.
type SignalType string

const (
	SignalTypeBoolean SignalType = "boolean"
	SignalTypeInteger SignalType = "integer"
	SignalTypeString  SignalType = "string"
)

// LogEntry is one structured record parsed from a log line. Value is stored
// canonically as a string; SignalType records how to interpret it.
type LogEntry struct {
	Timestamp  int64      `json:"timestamp"` // milliseconds since epoch
	DeviceID   string     `json:"deviceId"`
	SignalName string     `json:"signalName"`
	Value      string     `json:"-"`
	SignalType SignalType `json:"signalType"`
	Category   string     `json:"category,omitempty"`
	LineNumber uint32     `json:"lineNumber"`
	RawLine    string     `json:"rawLine,omitempty"`
	SourceID   string     `json:"sourceId,omitempty"` // file ID, set for merged sessions
}

// SignalKey returns the canonical "deviceId::signalName" key for the entry.
func (e *LogEntry) SignalKey() string {
	return SignalKey(e.DeviceID, e.SignalName)
}

// SignalKey builds the canonical key for a (deviceId, signalName) pair.
func SignalKey(deviceID, signalName string) string {
	return deviceID + "::" + signalName
}

// MarshalJSON renders Value typed per SignalType so boolean and integer
// signals serialize as JSON booleans and numbers.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	type alias LogEntry
	wrapper := struct {
		alias
		Value any `json:"value"`
	}{alias: alias(e), Value: e.TypedValue()}
	return json.Marshal(wrapper)
}

// TypedValue converts the canonical string value into its typed form.
// Values that fail to convert fall back to the raw string.
func (e *LogEntry) TypedValue() any {
	switch e.SignalType {
	case SignalTypeBoolean:
		switch e.Value {
		case "true", "ON", "1":
			return true
		case "false", "OFF", "0":
			return false
		}
		return e.Value
	case SignalTypeInteger:
		if n, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
			return n
		}
		return e.Value
	default:
		return e.Value
	}
}

// ParseError records a single line that could not be decoded.
type ParseError struct {
	LineNumber uint32 `json:"lineNumber"`
	RawLine    string `json:"rawLine"`
	Reason     string `json:"reason"`
}

// SessionStatus describes the lifecycle state of a parse session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionParsing  SessionStatus = "parsing"
	SessionComplete SessionStatus = "complete"
	SessionError    SessionStatus = "error"
)

// ParseSession is a snapshot of a parse session's externally visible state.
type ParseSession struct {
	ID               string        `json:"id"`
	FileID           string        `json:"fileId,omitempty"`
	FileIDs          []string      `json:"fileIds,omitempty"` // set for merged sessions
	Status           SessionStatus `json:"status"`
	Progress         float64       `json:"progress"` // 0-100, monotone
	StartTime        int64         `json:"startTime,omitempty"`
	EndTime          int64         `json:"endTime,omitempty"`
	EntryCount       int64         `json:"entryCount"`
	SignalCount      int           `json:"signalCount"`
	ParserName       string        `json:"parserName,omitempty"`
	Errors           []ParseError  `json:"errors,omitempty"`
	ErrorCount       int64         `json:"errorCount"`
	Error            string        `json:"error,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
	LastAccessed     time.Time     `json:"lastAccessed"`
}

// TimeRange is the inclusive [Start, End] span of entry timestamps, in
// milliseconds. Valid is false for empty stores.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Valid bool  `json:"valid"`
}

// TimeTreeNode is one distinct (date, hour, minute) triple present in the
// filtered entry set, carrying the earliest timestamp within that minute.
type TimeTreeNode struct {
	Date    string `json:"date"` // YYYY-MM-DD
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	FirstTs int64  `json:"firstTs"`
}

// BoundaryValues holds, per signal key, the last entry strictly before a
// range and the first entry strictly after it.
type BoundaryValues struct {
	Before map[string]LogEntry `json:"before"`
	After  map[string]LogEntry `json:"after"`
}
