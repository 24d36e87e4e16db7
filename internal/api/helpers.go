package api

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// bindFormJSON decodes field's value from the request's form body as JSON
// into dest. Every gossiped object (spec.md §6) travels as a single
// form-urlencoded field carrying a JSON blob — mirroring
// original_source/staeon_node/main/views.py's `json.loads(request.POST[...])`
// — rather than as the request's raw JSON body.
func bindFormJSON(c *gin.Context, field string, dest interface{}) error {
	raw := c.PostForm(field)
	if raw == "" {
		return fmt.Errorf("%s field required", field)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("invalid %s JSON: %w", field, err)
	}
	return nil
}

func parseEpoch(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("epoch query parameter required")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch: %w", err)
	}
	return n, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid positive integer: %q", s)
	}
	return n, nil
}
