package models

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// PageInfo accompanies cursor-paged listings. EndCursor is opaque to clients.
type PageInfo struct {
	EndCursor   string `json:"end_cursor,omitempty"`
	HasNextPage bool   `json:"has_next_page"`
}

func NewPageInfo(nextId int) PageInfo {
	if nextId <= 0 {
		return PageInfo{}
	}
	return PageInfo{EndCursor: EncodeCursor(nextId), HasNextPage: true}
}

func EncodeCursor(id int) string {
	return base64.StdEncoding.EncodeToString([]byte("id|" + strconv.Itoa(id)))
}

// DecodeCursor returns the id a page continues after; an empty cursor is the first page.
func DecodeCursor(cursor string) (int, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, NewValidationError("cursor", "malformed cursor")
	}
	raw, ok := strings.CutPrefix(string(b), "id|")
	if !ok {
		return 0, NewValidationError("cursor", "malformed cursor")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, NewValidationError("cursor", "malformed cursor")
	}
	return id, nil
}
