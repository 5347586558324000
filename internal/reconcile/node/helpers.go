package node

import (
	"encoding/json"
	"strconv"
)

func encodePayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
