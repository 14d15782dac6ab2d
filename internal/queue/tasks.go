package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeNormalizeAsset = "asset:normalize"

// NormalizeAssetPayload asks the worker to normalize one stored asset.
// Overrides use policy setting names and are applied after folder and
// relation rules.
type NormalizeAssetPayload struct {
	AssetID     string         `json:"asset_id"`
	Overrides   map[string]any `json:"overrides,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	WebhookURL  string         `json:"webhook_url,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

func NewNormalizeAssetTask(payload NormalizeAssetPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.AssetID) == "" {
		return nil, fmt.Errorf("asset_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal normalize payload: %w", err)
	}
	return asynq.NewTask(TypeNormalizeAsset, body), nil
}

func ParseNormalizeAssetPayload(task *asynq.Task) (NormalizeAssetPayload, error) {
	var payload NormalizeAssetPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return NormalizeAssetPayload{}, fmt.Errorf("unmarshal normalize payload: %w", err)
	}
	if strings.TrimSpace(payload.AssetID) == "" {
		return NormalizeAssetPayload{}, fmt.Errorf("normalize payload has no asset_id")
	}
	return payload, nil
}
