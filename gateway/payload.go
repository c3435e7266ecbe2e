package gateway

import (
	"encoding/json"
	"fmt"

	"board-stream/domain"
	"board-stream/ordering"

	"github.com/bytedance/sonic"
)

// buildPayload merges ordering results into the entity document the CRUD
// side supplied, so subscribers can apply the change without reloading.
func buildPayload(m Mutation, out *ordering.Outcome) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(m.Entity) > 0 {
		if err := sonic.Unmarshal(m.Entity, &doc); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}
	if _, ok := doc["id"]; !ok && m.ItemID != "" {
		doc["id"] = m.ItemID
	}
	if out != nil {
		switch m.Action {
		case domain.ActionMoved:
			doc["position"] = out.NewPosition
			doc["oldPosition"] = out.OldPosition
			doc["newPosition"] = out.NewPosition
			if m.Flavor == domain.FlavorTask {
				doc["oldListId"] = m.Container().ID
				doc["newListId"] = m.DestContainer().ID
				doc["listId"] = m.DestContainer().ID
			}
		case domain.ActionCreated:
			doc["position"] = out.NewPosition
		case domain.ActionDeleted:
			if out.OldPosition >= 0 {
				doc["position"] = out.OldPosition
			}
		}
	}
	data, err := sonic.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
