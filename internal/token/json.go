package token

import (
	"encoding/json"
	"io"
)

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func decodeJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
