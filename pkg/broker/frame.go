package broker

import (
	"encoding/json"
	"fmt"

	"github.com/markhive/markhive/pkg/types"
)

// FormatFrame renders one event as an SSE frame:
//
//	id: <event-id>\n
//	event: <event-type>\n
//	data: <json>\n
//	\n
//
// The data payload always carries at least type and timestamp.
func FormatFrame(event *types.Event) ([]byte, error) {
	payload := make(map[string]any, len(event.Data)+2)
	for k, v := range event.Data {
		payload[k] = v
	}
	payload["type"] = event.Type
	payload["timestamp"] = event.Timestamp

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)), nil
}
