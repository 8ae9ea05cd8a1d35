// Package srt implements listener-mode SRT ingest. Each publish connection
// is registered under the key carried in its stream id ("live/" and a
// leading slash are stripped) and its payload is forwarded unchanged.
package srt
