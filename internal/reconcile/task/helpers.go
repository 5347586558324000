package task

import (
	"encoding/json"
	"strconv"
)

func marshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}
